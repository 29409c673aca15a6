package i18n

import "strings"

const (
	English = "en"
	Persian = "fa"
)

var translations = map[string]string{
	// Conversation previews
	"sent an image":  "یک تصویر ارسال کرد",
	"sent a video":   "یک ویدیو ارسال کرد",
	"sent a file":    "یک فایل ارسال کرد",
	"shared an item": "یک کالا به اشتراک گذاشت",

	// Client-side degraded states
	"not connected":                     "اتصال برقرار نیست",
	"message could not be sent":         "پیام ارسال نشد",
	"failed to load chat history":       "خطا در دریافت تاریخچه گفتگو",
	"failed to load conversations":      "خطا در دریافت گفتگوها",
	"failed to load inventory":          "خطا در دریافت موجودی",
	"online":                            "آنلاین",
	"offline":                           "آفلاین",
	"typing...":                         "در حال نوشتن...",
	"today":                             "امروز",
	"yesterday":                         "دیروز",

	// Relay responses
	"invalid request":                    "درخواست نامعتبر است",
	"failed to generate token":           "خطا در تولید توکن",
	"failed to get user":                 "خطا در دریافت کاربر",
	"missing authorization token":        "توکن احراز هویت ارسال نشده است",
	"invalid token":                      "توکن نامعتبر است",
	"failed to validate user":            "خطا در اعتبارسنجی کاربر",
	"user not found":                     "کاربر یافت نشد",
	"unauthorized":                       "دسترسی غیرمجاز",
	"invalid user_id":                    "user_id نامعتبر است",
	"failed to fetch messages":           "خطا در دریافت پیام ها",
	"failed to fetch conversations":      "خطا در دریافت مکالمه ها",
	"failed to fetch unread count":       "خطا در دریافت تعداد پیام های خوانده نشده",
	"failed to update message":           "خطا در به روزرسانی پیام",
	"file is required":                   "فایل الزامی است",
	"file too large":                     "حجم فایل بیش از حد مجاز است",
	"file must be an image":              "فایل باید تصویر باشد",
	"invalid receiver_id":                "receiver_id نامعتبر است",
	"cannot message yourself":            "نمی توانید به خودتان پیام دهید",
	"message content is required":        "متن پیام الزامی است",
	"message too long":                   "پیام بیش از حد طولانی است",
	"failed to create message":           "خطا در ایجاد پیام",
	"failed to save file":                "خطا در ذخیره فایل",
	"inventory item not found":           "کالا یافت نشد",
	"inventory item not available":       "کالا در دسترس نیست",
	"failed to fetch inventory":          "خطا در دریافت موجودی",
	"failed to create inventory item":    "خطا در ثبت کالا",
	"websocket upgrade failed":           "خطا در برقراری اتصال وب سوکت",
	"rate limiter error":                 "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":                "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":              "خطای داخلی سرور",
	"not found":                          "یافت نشد",
	"username must be between 3 and 32 characters": "نام کاربری باید بین ۳ تا ۳۲ کاراکتر باشد",
	"username can only contain letters, numbers, and underscores": "نام کاربری فقط می تواند شامل حروف، اعداد و زیرخط باشد",
	"password must be at least 6 characters":                      "رمز عبور باید حداقل ۶ کاراکتر باشد",
	"username already exists":                                     "این نام کاربری قبلا ثبت شده است",
	"invalid username or password":                                "نام کاربری یا رمز عبور اشتباه است",
}

var prefixTranslations = map[string]string{
	"failed to hash password:":   "خطا در پردازش رمز عبور",
	"failed to register user:":   "خطا در ثبت نام کاربر",
	"failed to query user:":      "خطا در دریافت اطلاعات کاربر",
	"failed to generate token:":  "خطا در تولید توکن",
	"failed to sign token:":      "خطا در امضای توکن",
	"failed to parse token:":     "توکن نامعتبر است",
	"unexpected signing method:": "روش امضای توکن نامعتبر است",
}

// Translate returns the Persian rendering of an English message, or the
// message itself when no translation exists.
func Translate(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}

// Lookup renders message for locale. English is the source language.
func Lookup(locale, message string) string {
	if strings.EqualFold(strings.TrimSpace(locale), Persian) {
		return Translate(message)
	}
	return message
}
