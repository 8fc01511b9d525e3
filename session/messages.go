package session

// messages holds the user-facing defaults used when the backend gives no
// message of its own.
type messages struct {
	LoginFailed     string
	RegisterFailed  string
	Network         string
	InvalidResponse string
}

var catalog = map[string]messages{
	"th": {
		LoginFailed:     "เข้าสู่ระบบไม่สำเร็จ",
		RegisterFailed:  "สมัครสมาชิกไม่สำเร็จ",
		Network:         "ไม่สามารถเชื่อมต่อเซิร์ฟเวอร์ได้ กรุณาลองใหม่อีกครั้ง",
		InvalidResponse: "ข้อมูลตอบกลับจากเซิร์ฟเวอร์ไม่ถูกต้อง",
	},
	"en": {
		LoginFailed:     "Login failed",
		RegisterFailed:  "Registration failed",
		Network:         "Unable to reach the server, please try again",
		InvalidResponse: "Invalid response from server",
	},
}

// DefaultLocale is used for unknown or empty locales.
const DefaultLocale = "th"

func messagesFor(locale string) messages {
	if m, ok := catalog[locale]; ok {
		return m
	}
	return catalog[DefaultLocale]
}
