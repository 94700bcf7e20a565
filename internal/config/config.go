// Package config loads the server and exchange settings from a YAML file,
// an optional .env file and EXCHANGE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"exchangeServer/pkg/exchange"
)

type Server struct {
	Addr              string        `yaml:"addr" env:"EXCHANGE_ADDR"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"EXCHANGE_READ_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"EXCHANGE_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

type Log struct {
	Level  string `yaml:"level" env:"EXCHANGE_LOG_LEVEL"`
	Format string `yaml:"format" env:"EXCHANGE_LOG_FORMAT"`
}

// Throttle configures per-client admission. A zero Rate disables it.
type Throttle struct {
	Rate  float64 `yaml:"rate" env:"EXCHANGE_THROTTLE_RATE"`
	Burst int     `yaml:"burst" env:"EXCHANGE_THROTTLE_BURST"`
}

type Post struct {
	FileUploadPath     string `yaml:"file_upload_path" env:"EXCHANGE_UPLOAD_PATH"`
	MaxFields          int    `yaml:"max_fields" env:"EXCHANGE_MAX_FIELDS"`
	MaxFieldsSize      int64  `yaml:"max_fields_size" env:"EXCHANGE_MAX_FIELDS_SIZE"`
	MaxFileSize        int64  `yaml:"max_file_size" env:"EXCHANGE_MAX_FILE_SIZE"`
	AjaxFilenameHeader string `yaml:"ajax_filename_header"`
}

type Cookie struct {
	Path     string `yaml:"path"`
	Domain   string `yaml:"domain"`
	HTTPOnly bool   `yaml:"http_only"`
	Secure   bool   `yaml:"secure"`
	SameSite string `yaml:"same_site"`
	Timeout  int    `yaml:"timeout"`
}

type Tpl struct {
	ContentType string `yaml:"content_type"`
}

type Error struct {
	Key   string `yaml:"key"`
	Msg   string `yaml:"msg"`
	Value int    `yaml:"value"`
}

// Config is the whole settings tree. OutputContent and FormParse name a
// transform and a hook registered by the binary.
type Config struct {
	Server   Server   `yaml:"server"`
	Log      Log      `yaml:"log"`
	Throttle Throttle `yaml:"throttle"`

	Post            Post   `yaml:"post"`
	CallbackName    string `yaml:"callback_name"`
	Cookie          Cookie `yaml:"cookie"`
	JSONContentType string `yaml:"json_content_type"`
	Tpl             Tpl    `yaml:"tpl"`
	Encoding        string `yaml:"encoding" env:"EXCHANGE_ENCODING"`
	Error           Error  `yaml:"error"`
	OutputContent   string `yaml:"output_content"`
	FormParse       string `yaml:"form_parse"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	d := exchange.DefaultConfig()

	return Config{
		Server: Server{
			Addr:              "127.0.0.1:8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		Log: Log{Level: "info", Format: "text"},
		Post: Post{
			FileUploadPath:     d.UploadPath,
			MaxFields:          d.MaxFields,
			MaxFieldsSize:      d.MaxFieldsSize,
			MaxFileSize:        d.MaxFileSize,
			AjaxFilenameHeader: d.AjaxFilenameHeader,
		},
		CallbackName: d.CallbackName,
		Cookie: Cookie{
			Path:     d.Cookie.Path,
			HTTPOnly: d.Cookie.HTTPOnly,
			Timeout:  d.Cookie.Timeout,
		},
		JSONContentType: d.JSONContentType,
		Tpl:             Tpl{ContentType: d.TplContentType},
		Encoding:        d.Encoding,
		Error:           Error{Key: d.ErrorKey, Msg: d.ErrorMsg, Value: d.ErrorValue},
	}
}

// Load starts from Default, overlays the YAML file at path when path is not
// empty, then applies the EXCHANGE_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadEnvFile loads .env style files into the process environment. Missing
// files are skipped; variables already set are kept.
func LoadEnvFile(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return fmt.Errorf("load env (%s): %w", p, err)
		}
	}

	return nil
}

func (c Config) Validate() error {
	switch {
	case c.Post.MaxFields < 0:
		return fmt.Errorf("post.max_fields must not be negative, got %d", c.Post.MaxFields)
	case c.Post.MaxFieldsSize < 0:
		return fmt.Errorf("post.max_fields_size must not be negative, got %d", c.Post.MaxFieldsSize)
	case c.Post.MaxFileSize < 0:
		return fmt.Errorf("post.max_file_size must not be negative, got %d", c.Post.MaxFileSize)
	case c.Throttle.Rate < 0 || c.Throttle.Burst < 0:
		return fmt.Errorf("throttle rate and burst must not be negative")
	}

	if _, err := parseSameSite(c.Cookie.SameSite); err != nil {
		return err
	}

	return nil
}

// Exchange resolves the exchange snapshot. The output_content and
// form_parse names are looked up in transforms and hooks; an unknown name
// is an error.
func (c Config) Exchange(transforms map[string]exchange.OutputTransform, hooks map[string]exchange.Hook) (exchange.Config, error) {
	sameSite, err := parseSameSite(c.Cookie.SameSite)
	if err != nil {
		return exchange.Config{}, err
	}

	x := exchange.Config{
		UploadPath:         c.Post.FileUploadPath,
		MaxFields:          c.Post.MaxFields,
		MaxFieldsSize:      c.Post.MaxFieldsSize,
		MaxFileSize:        c.Post.MaxFileSize,
		AjaxFilenameHeader: c.Post.AjaxFilenameHeader,
		CallbackName:       c.CallbackName,
		Cookie: exchange.CookieOptions{
			Path:     c.Cookie.Path,
			Domain:   c.Cookie.Domain,
			HTTPOnly: c.Cookie.HTTPOnly,
			Secure:   c.Cookie.Secure,
			SameSite: sameSite,
			Timeout:  c.Cookie.Timeout,
		},
		JSONContentType: c.JSONContentType,
		TplContentType:  c.Tpl.ContentType,
		Encoding:        c.Encoding,
		ErrorKey:        c.Error.Key,
		ErrorMsg:        c.Error.Msg,
		ErrorValue:      c.Error.Value,
	}

	if c.OutputContent != "" {
		fn, ok := transforms[c.OutputContent]
		if !ok {
			return exchange.Config{}, fmt.Errorf("output_content: unknown transform %q", c.OutputContent)
		}

		x.OutputContent = fn
	}

	if c.FormParse != "" {
		fn, ok := hooks[c.FormParse]
		if !ok {
			return exchange.Config{}, fmt.Errorf("form_parse: unknown hook %q", c.FormParse)
		}

		x.FormParse = fn
	}

	return x, nil
}

func parseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(s) {
	case "":
		return http.SameSiteDefaultMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	}

	return 0, fmt.Errorf("cookie.same_site: unknown mode %q", s)
}
