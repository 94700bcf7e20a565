package exchange

import (
	"net/http"
	"net/url"
	"time"
)

// CookieOptions are the attributes of a staged cookie. Timeout is in
// seconds: zero makes a session cookie, a negative value an expired one.
type CookieOptions struct {
	Path     string
	Domain   string
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
	Timeout  int
}

// CookieOption overrides one attribute of the configured cookie defaults.
type CookieOption func(*CookieOptions)

func WithCookieTimeout(seconds int) CookieOption {
	return func(o *CookieOptions) { o.Timeout = seconds }
}

func WithCookiePath(p string) CookieOption {
	return func(o *CookieOptions) { o.Path = p }
}

func WithCookieDomain(d string) CookieOption {
	return func(o *CookieOptions) { o.Domain = d }
}

func WithCookieHTTPOnly(v bool) CookieOption {
	return func(o *CookieOptions) { o.HTTPOnly = v }
}

func WithCookieSecure(v bool) CookieOption {
	return func(o *CookieOptions) { o.Secure = v }
}

func WithCookieSameSite(s http.SameSite) CookieOption {
	return func(o *CookieOptions) { o.SameSite = s }
}

// deleteTimeout is the timeout forced on deleted cookies.
const deleteTimeout = -1000

func parseCookies(r *http.Request) map[string]string {
	cookies := r.Cookies()
	m := make(map[string]string, len(cookies))

	for _, c := range cookies {
		if _, ok := m[c.Name]; ok {
			continue
		}

		if v, err := url.PathUnescape(c.Value); err == nil {
			m[c.Name] = v
		} else {
			m[c.Name] = c.Value
		}
	}

	return m
}

// Cookie returns the inbound cookie name, or "".
func (x *Exchange) Cookie(name string) string { return x.cookiesIn[name] }

// Cookies returns the inbound cookies.
func (x *Exchange) Cookies() map[string]string { return x.cookiesIn }

// SetCookie stages an outbound cookie. A later stage of the same name
// replaces the earlier one.
func (x *Exchange) SetCookie(name, value string, opts ...CookieOption) {
	o := x.cfg.Cookie
	for _, opt := range opts {
		opt(&o)
	}

	x.stageCookie(name, value, o)
}

// DeleteCookie stages a cookie that expires immediately.
func (x *Exchange) DeleteCookie(name string, opts ...CookieOption) {
	o := x.cfg.Cookie
	for _, opt := range opts {
		opt(&o)
	}

	o.Timeout = deleteTimeout
	x.stageCookie(name, "", o)
}

func (x *Exchange) stageCookie(name, value string, o CookieOptions) {
	c := &http.Cookie{
		Name:     name,
		Value:    url.PathEscape(value),
		Path:     o.Path,
		Domain:   o.Domain,
		HttpOnly: o.HTTPOnly,
		Secure:   o.Secure,
		SameSite: o.SameSite,
	}

	if o.Timeout != 0 {
		c.Expires = time.Now().Add(time.Duration(o.Timeout) * time.Second)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for i, staged := range x.cookiesOut {
		if staged.Name == name {
			x.cookiesOut[i] = c
			return
		}
	}

	x.cookiesOut = append(x.cookiesOut, c)
}

// FlushCookies writes every staged cookie as one multi-value Set-Cookie
// header and clears the stage. It does nothing when the stage is empty.
func (x *Exchange) FlushCookies() {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.cookiesOut) == 0 {
		return
	}

	if x.headersSent {
		names := make([]string, 0, len(x.cookiesOut))
		for _, c := range x.cookiesOut {
			names = append(names, c.Name)
		}

		x.log.WithField("cookies", names).Debug("exchange: headers already sent, staged cookies dropped")
		x.cookiesOut = nil

		return
	}

	values := make([]string, 0, len(x.cookiesOut))

	for _, c := range x.cookiesOut {
		if v := c.String(); v != "" {
			values = append(values, v)
		}
	}

	if len(values) > 0 {
		x.rw.Header()["Set-Cookie"] = append(x.rw.Header()["Set-Cookie"], values...)
	}

	x.cookiesOut = nil
}
