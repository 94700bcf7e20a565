package exchange

import "net/http"

// Config is the read-only snapshot an Exchange consults. It is resolved once
// at startup and shared by every exchange.
type Config struct {
	// UploadPath is the directory uploaded files are stored in. It is created
	// on first use. Empty means a directory under os.TempDir.
	UploadPath string

	// MaxFields caps the number of form fields. Zero disables the check.
	MaxFields int

	// MaxFieldsSize caps the length of a single form field value in bytes.
	MaxFieldsSize int64

	// MaxFileSize caps a single multipart file part in bytes.
	MaxFileSize int64

	// AjaxFilenameHeader names the request header that switches a
	// non-multipart body to the direct-upload strategy.
	AjaxFilenameHeader string

	// CallbackName is the query parameter carrying the JSONP callback.
	CallbackName string

	// Cookie holds the defaults merged under every staged cookie.
	Cookie CookieOptions

	JSONContentType string
	TplContentType  string
	Encoding        string

	// ErrorKey and ErrorMsg name the envelope fields written by Success
	// and Fail. ErrorValue is the code FailMessage uses.
	ErrorKey   string
	ErrorMsg   string
	ErrorValue int

	// OutputContent, when set, receives every echoed payload instead of the
	// connection and runs as an output task.
	OutputContent OutputTransform

	// FormParse runs after the buffered strategy captured the body.
	FormParse Hook
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		MaxFields:          100,
		MaxFieldsSize:      2 << 20,
		MaxFileSize:        1 << 30,
		AjaxFilenameHeader: "x-filename",
		CallbackName:       "callback",
		Cookie: CookieOptions{
			Path:     "/",
			HTTPOnly: false,
			SameSite: http.SameSiteDefaultMode,
		},
		JSONContentType: "application/json",
		TplContentType:  "text/html",
		Encoding:        "utf-8",
		ErrorKey:        "errno",
		ErrorMsg:        "errmsg",
		ErrorValue:      1000,
	}
}
