package grok

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/model"
)

const (
	acceptLanguage = "zh-CN,zh;q=0.9,en;q=0.8"
	sentryBaggage  = "sentry-environment=production,sentry-release=d6add6fb0460641fd482d767a335ef72b9b6abb8,sentry-public_key=b311e0f2690c81f25e2c4cf6d4f7ce1c"
	documentAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
)

// SSOCookie builds the session cookie. A token-level clearance value wins
// over the configured one.
func SSOCookie(s *config.Settings, tok *model.Token) string {
	secret := model.NormalizeSecret(tok.Secret)
	cookie := "sso=" + secret + "; sso-rw=" + secret
	clearance := tok.CFClearance
	if clearance == "" {
		clearance = s.Proxy.CFClearance
	}
	if clearance != "" {
		cookie += ";cf_clearance=" + clearance
	}
	return cookie
}

var (
	browserVersionRe = regexp.MustCompile(`(\d{2,3})`)
	uaVersionRes     = []*regexp.Regexp{
		regexp.MustCompile(`Edg/(\d+)`),
		regexp.MustCompile(`Chrome/(\d+)`),
		regexp.MustCompile(`Chromium/(\d+)`),
	}
)

func majorVersion(browser, userAgent string) string {
	if m := browserVersionRe.FindStringSubmatch(browser); m != nil {
		return m[1]
	}
	for _, re := range uaVersionRes {
		if m := re.FindStringSubmatch(userAgent); m != nil {
			return m[1]
		}
	}
	return ""
}

func detectPlatform(ua string) string {
	switch {
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "mac os x"), strings.Contains(ua, "macintosh"):
		return "macOS"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		return "iOS"
	case strings.Contains(ua, "linux"):
		return "Linux"
	}
	return ""
}

func detectArch(ua string) string {
	switch {
	case strings.Contains(ua, "aarch64"), strings.Contains(ua, "arm"):
		return "arm"
	case strings.Contains(ua, "x86_64"), strings.Contains(ua, "x64"), strings.Contains(ua, "win64"), strings.Contains(ua, "intel"):
		return "x86"
	}
	return ""
}

// ClientHints derives Sec-Ch-Ua headers for chromium browsers. Other
// browsers do not send them, so the result is empty.
func ClientHints(browser, userAgent string) map[string]string {
	browser = strings.ToLower(strings.TrimSpace(browser))
	ua := strings.ToLower(userAgent)

	isEdge := strings.Contains(browser, "edge") || strings.Contains(ua, "edg")
	isChromium := strings.Contains(ua, "chrome") || strings.Contains(ua, "chromium") || strings.Contains(ua, "edg")
	for _, key := range []string{"chrome", "chromium", "edge", "brave"} {
		if strings.Contains(browser, key) {
			isChromium = true
		}
	}
	isFirefox := strings.Contains(ua, "firefox") || strings.Contains(browser, "firefox")
	isSafari := (strings.Contains(ua, "safari") && !strings.Contains(ua, "chrome") &&
		!strings.Contains(ua, "chromium") && !strings.Contains(ua, "edg")) || strings.Contains(browser, "safari")
	if !isChromium || isFirefox || isSafari {
		return nil
	}

	version := majorVersion(browser, userAgent)
	if version == "" {
		return nil
	}

	brand := "Google Chrome"
	switch {
	case isEdge:
		brand = "Microsoft Edge"
	case strings.Contains(browser, "chromium"):
		brand = "Chromium"
	case strings.Contains(browser, "brave"):
		brand = "Brave"
	}

	platform := detectPlatform(ua)
	mobile := "?0"
	if strings.Contains(ua, "mobile") || platform == "Android" || platform == "iOS" {
		mobile = "?1"
	}
	hints := map[string]string{
		"Sec-Ch-Ua":        fmt.Sprintf(`"%s";v="%s", "Chromium";v="%s", "Not(A:Brand";v="24"`, brand, version, version),
		"Sec-Ch-Ua-Mobile": mobile,
		"Sec-Ch-Ua-Model":  "",
	}
	if platform != "" {
		hints["Sec-Ch-Ua-Platform"] = `"` + platform + `"`
	}
	if arch := detectArch(ua); arch != "" {
		hints["Sec-Ch-Ua-Arch"] = arch
		hints["Sec-Ch-Ua-Bitness"] = "64"
	}
	return hints
}

// statsigID is an opaque per-request value in the shape the web client sends.
func statsigID() string {
	buf := make([]byte, 70)
	_, _ = rand.Read(buf)
	return base64.StdEncoding.EncodeToString(buf)
}

// BuildHeaders fills h with the headers the web client sends to the REST API.
// Empty origin and referer default to the upstream site.
func BuildHeaders(h http.Header, s *config.Settings, tok *model.Token, contentType, origin, referer string) {
	if origin == "" {
		origin = DefaultBaseURL
	}
	if referer == "" {
		referer = DefaultBaseURL + "/"
	}
	// Accept-Encoding is left to the transport so it can decode gzip itself.
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Baggage", sentryBaggage)
	h.Set("Origin", origin)
	h.Set("Priority", "u=1, i")
	h.Set("Referer", referer)
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("User-Agent", s.Proxy.UserAgent)
	for k, v := range ClientHints(s.Proxy.Browser, s.Proxy.UserAgent) {
		h.Set(k, v)
	}
	h.Set("Cookie", SSOCookie(s, tok))

	switch contentType {
	case "image/jpeg", "image/png", "video/mp4", "video/webm":
		h.Set("Content-Type", contentType)
		h.Set("Accept", documentAccept)
		h.Set("Sec-Fetch-Dest", "document")
	default:
		h.Set("Content-Type", "application/json")
		h.Set("Accept", "*/*")
		h.Set("Sec-Fetch-Dest", "empty")
	}

	site := "same-site"
	if o, r := hostOf(origin), hostOf(referer); o != "" && o == r {
		site = "same-origin"
	}
	h.Set("Sec-Fetch-Site", site)
	h.Set("x-statsig-id", statsigID())
	h.Set("x-xai-request-id", uuid.NewString())
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// BuildWSHeaders returns the imagine socket handshake headers.
func BuildWSHeaders(s *config.Settings, tok *model.Token) http.Header {
	h := http.Header{}
	h.Set("Origin", DefaultBaseURL)
	h.Set("User-Agent", s.Proxy.UserAgent)
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	for k, v := range ClientHints(s.Proxy.Browser, s.Proxy.UserAgent) {
		h.Set(k, v)
	}
	if tok != nil {
		h.Set("Cookie", SSOCookie(s, tok))
	}
	return h
}
