package controller

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/jinzhu/copier"
	"github.com/tidwall/gjson"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/asset"
	"github.com/chenyme/grok2api/relay/pool"
)

// maxAdminBodyBytes bounds token imports and config patches.
const maxAdminBodyBytes = 16 << 20

func adminOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "",
		"data":    data,
	})
}

func adminFail(c *gin.Context, status int, err error) {
	lg := gmw.GetLogger(c)
	if status >= http.StatusInternalServerError {
		lg.Error("admin request failed", zap.Error(err))
	} else {
		lg.Debug("admin request rejected", zap.Error(err))
	}
	c.JSON(status, gin.H{
		"success": false,
		"message": err.Error(),
	})
	c.Abort()
}

// tokenRefs is the {token, tokens} selector accepted by batch token actions.
// Entries may be token ids or raw secrets.
type tokenRefs struct {
	Token  string   `json:"token"`
	Tokens []string `json:"tokens"`
}

func (r tokenRefs) list() []string {
	var out []string
	if s := strings.TrimSpace(r.Token); s != "" {
		out = append(out, s)
	}
	for _, t := range r.Tokens {
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// bindRefs reads an optional selector body. An empty body selects nothing.
func bindRefs(c *gin.Context) (tokenRefs, error) {
	var refs tokenRefs
	if err := c.ShouldBindJSON(&refs); err != nil && !errors.Is(err, io.EOF) {
		return refs, errors.Wrap(err, "invalid request body")
	}
	return refs, nil
}

func groupByKind[T any](toks []*model.Token, conv func(*model.Token) T) map[model.TokenKind][]T {
	out := map[model.TokenKind][]T{
		model.TokenKindBasic: {},
		model.TokenKindSuper: {},
	}
	for _, tok := range toks {
		out[tok.Kind] = append(out[tok.Kind], conv(tok))
	}
	return out
}

// ListTokens returns every token grouped by pool.
func (h *Handlers) ListTokens(c *gin.Context) {
	adminOK(c, groupByKind(h.pool.List(), func(t *model.Token) *model.Token { return t }))
}

// parseTokenImport decodes {pool: [secret | {token, nsfw, cf_clearance, note, status}]}.
// Pool names may use the legacy ssoBasic/ssoSuper spelling.
func parseTokenImport(body []byte) ([]pool.TokenInput, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("body is not valid json")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, errors.New("body must be an object keyed by pool name")
	}

	var (
		inputs []pool.TokenInput
		err    error
	)
	doc.ForEach(func(key, value gjson.Result) bool {
		var kind model.TokenKind
		if kind, err = model.ParseTokenKind(key.String()); err != nil {
			return false
		}
		if !value.IsArray() {
			err = errors.Errorf("pool %q must be a list", key.String())
			return false
		}
		for _, item := range value.Array() {
			var in pool.TokenInput
			if in, err = tokenInput(kind, item); err != nil {
				return false
			}
			inputs = append(inputs, in)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return inputs, nil
}

func tokenInput(kind model.TokenKind, item gjson.Result) (pool.TokenInput, error) {
	in := pool.TokenInput{Kind: kind}
	switch {
	case item.Type == gjson.String:
		in.Secret = item.String()
	case item.IsObject():
		in.Secret = item.Get("token").String()
		if v := item.Get("nsfw"); v.Exists() {
			b := v.Bool()
			in.NSFW = &b
		}
		if v := item.Get("cf_clearance"); v.Exists() {
			s := v.String()
			in.CFClearance = &s
		}
		if v := item.Get("note"); v.Exists() {
			s := v.String()
			in.Note = &s
		}
		if v := item.Get("status"); v.Exists() {
			status := model.TokenStatus(strings.ToLower(v.String()))
			switch status {
			case model.TokenStatusActive, model.TokenStatusLimited, model.TokenStatusExpired, model.TokenStatusDisabled:
			default:
				return in, errors.Errorf("unknown token status %q", v.String())
			}
			in.Status = &status
		}
	default:
		return in, errors.Errorf("unsupported token entry %s", item.Raw)
	}
	if model.NormalizeSecret(in.Secret) == "" {
		return in, errors.New("token entry without secret")
	}
	return in, nil
}

// UpdateTokens makes the submitted pools the complete token set, keeping the
// runtime state of tokens that were already known. With ?mode=append nothing
// is removed.
func (h *Handlers) UpdateTokens(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAdminBodyBytes))
	if err != nil {
		adminFail(c, http.StatusBadRequest, errors.Wrap(err, "read body"))
		return
	}
	inputs, err := parseTokenImport(body)
	if err != nil {
		adminFail(c, http.StatusBadRequest, err)
		return
	}

	ctx := gmw.Ctx(c)
	if c.Query("mode") == "append" {
		added, err := h.pool.Add(ctx, inputs)
		if err != nil {
			adminFail(c, http.StatusInternalServerError, err)
			return
		}
		adminOK(c, gin.H{"submitted": len(inputs), "added": added})
		return
	}
	if err := h.pool.Replace(ctx, inputs); err != nil {
		adminFail(c, http.StatusInternalServerError, err)
		return
	}
	adminOK(c, gin.H{"submitted": len(inputs), "total": h.pool.Stats().Total})
}

func (h *Handlers) DeleteTokens(c *gin.Context) {
	refs, err := bindRefs(c)
	if err != nil {
		adminFail(c, http.StatusBadRequest, err)
		return
	}
	ids := h.pool.ResolveIds(refs.list())
	if len(ids) == 0 {
		adminFail(c, http.StatusBadRequest, errors.New("no known tokens selected"))
		return
	}
	if err := h.pool.Delete(gmw.Ctx(c), ids); err != nil {
		adminFail(c, http.StatusInternalServerError, err)
		return
	}
	adminOK(c, gin.H{"deleted": len(ids)})
}

type batchSummary struct {
	Total int `json:"total"`
	OK    int `json:"ok"`
	Fail  int `json:"fail"`
}

// RefreshTokens queries the upstream quota of the selected tokens now.
func (h *Handlers) RefreshTokens(c *gin.Context) {
	refs, err := bindRefs(c)
	if err != nil {
		adminFail(c, http.StatusBadRequest, err)
		return
	}
	if len(refs.list()) == 0 {
		adminFail(c, http.StatusBadRequest, errors.New("no tokens provided"))
		return
	}
	ids := h.pool.ResolveIds(refs.list())
	results, err := h.pool.Refresh(gmw.Ctx(c), ids)
	if err != nil {
		adminFail(c, http.StatusInternalServerError, err)
		return
	}

	summary := batchSummary{Total: len(results)}
	for _, r := range results {
		if r.OK {
			summary.OK++
		} else {
			summary.Fail++
		}
	}
	adminOK(c, gin.H{"summary": summary, "results": results})
}

// EnableTokens reactivates disabled, expired or limited tokens.
func (h *Handlers) EnableTokens(c *gin.Context) {
	refs, err := bindRefs(c)
	if err != nil {
		adminFail(c, http.StatusBadRequest, err)
		return
	}
	ids := h.pool.ResolveIds(refs.list())
	if len(ids) == 0 {
		adminFail(c, http.StatusBadRequest, errors.New("no known tokens selected"))
		return
	}
	n, err := h.pool.SetStatus(gmw.Ctx(c), ids, model.TokenStatusActive)
	if err != nil {
		adminFail(c, http.StatusInternalServerError, err)
		return
	}
	adminOK(c, gin.H{"enabled": n})
}

// EnableNSFW marks tokens as NSFW capable. An empty selector applies to every token.
func (h *Handlers) EnableNSFW(c *gin.Context) {
	refs, err := bindRefs(c)
	if err != nil {
		adminFail(c, http.StatusBadRequest, err)
		return
	}

	var ids []string
	if sel := refs.list(); len(sel) > 0 {
		ids = h.pool.ResolveIds(sel)
	} else {
		for _, tok := range h.pool.List() {
			ids = append(ids, tok.Id)
		}
	}
	if len(ids) == 0 {
		adminFail(c, http.StatusBadRequest, errors.New("no tokens available"))
		return
	}

	n, err := h.pool.SetNSFW(gmw.Ctx(c), ids, true)
	if err != nil {
		adminFail(c, http.StatusInternalServerError, err)
		return
	}
	adminOK(c, gin.H{"summary": batchSummary{Total: len(ids), OK: n, Fail: len(ids) - n}})
}

func (h *Handlers) PruneTokens(c *gin.Context) {
	ids, err := h.pool.Prune(gmw.Ctx(c))
	if err != nil {
		adminFail(c, http.StatusInternalServerError, err)
		return
	}
	adminOK(c, gin.H{"pruned": len(ids), "ids": ids})
}

// exportedToken is the portable subset of a token, accepted back by UpdateTokens.
type exportedToken struct {
	Secret      string            `json:"token"`
	NSFW        bool              `json:"nsfw"`
	CFClearance string            `json:"cf_clearance,omitempty"`
	Note        string            `json:"note,omitempty"`
	Status      model.TokenStatus `json:"status"`
}

func (h *Handlers) ExportTokens(c *gin.Context) {
	var convErr error
	out := groupByKind(h.pool.List(), func(t *model.Token) exportedToken {
		var e exportedToken
		if err := copier.Copy(&e, t); err != nil {
			convErr = err
		}
		return e
	})
	if convErr != nil {
		adminFail(c, http.StatusInternalServerError, errors.Wrap(convErr, "export tokens"))
		return
	}
	c.Header("Content-Disposition", `attachment; filename="tokens.json"`)
	c.JSON(http.StatusOK, out)
}

// GetConfig returns the active settings, as TOML with ?format=toml.
func (h *Handlers) GetConfig(c *gin.Context) {
	s := config.Get()
	if c.Query("format") == "toml" {
		doc, err := config.EncodeTOML(s)
		if err != nil {
			adminFail(c, http.StatusInternalServerError, err)
			return
		}
		c.Data(http.StatusOK, "application/toml; charset=utf-8", doc)
		return
	}
	adminOK(c, s)
}

// UpdateConfig deep-merges a partial settings document, persists it and
// swaps it in. Token limits and the cache bound follow immediately.
func (h *Handlers) UpdateConfig(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAdminBodyBytes)
	patch := map[string]any{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		adminFail(c, http.StatusBadRequest, errors.Wrap(err, "invalid config patch"))
		return
	}

	next, err := config.Merge(config.Get(), patch)
	if err != nil {
		adminFail(c, http.StatusBadRequest, err)
		return
	}
	doc, err := config.EncodeTOML(next)
	if err != nil {
		adminFail(c, http.StatusInternalServerError, err)
		return
	}
	if err := h.pool.Storage().SaveConfig(gmw.Ctx(c), doc); err != nil {
		adminFail(c, http.StatusInternalServerError, errors.Wrap(err, "save config"))
		return
	}

	config.Set(next)
	h.pool.ApplyLimits()
	evicted := h.assets.Cache().Evict()
	gmw.GetLogger(c).Info("config updated",
		zap.Int("sections", len(patch)),
		zap.Int("evicted", evicted))
	adminOK(c, next)
}

func (h *Handlers) GetStorage(c *gin.Context) {
	adminOK(c, gin.H{
		"type":       h.pool.Storage().Type(),
		"generation": h.pool.Generation(),
	})
}

type cacheItem struct {
	asset.Entry
	Kind string `json:"kind"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

func validCacheKind(kind string) bool {
	return kind == "" || kind == asset.KindImage || kind == asset.KindVideo
}

// GetCache returns cache statistics and one page of entries, most recently used first.
func (h *Handlers) GetCache(c *gin.Context) {
	kind := c.Query("kind")
	if !validCacheKind(kind) {
		adminFail(c, http.StatusBadRequest, errors.Errorf("unknown cache kind %q", kind))
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	pageSize = min(max(pageSize, 1), 500)

	cache := h.assets.Cache()
	entries, total := cache.List(kind, page, pageSize)
	items := make([]cacheItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, cacheItem{
			Entry: e,
			Kind:  e.Kind(),
			Name:  e.Name(),
			URL:   h.assets.FileURL(e.Kind(), e.Name()),
		})
	}
	adminOK(c, gin.H{
		"stats":     cache.Stats(),
		"items":     items,
		"total":     total,
		"page":      max(page, 1),
		"page_size": pageSize,
	})
}

func (h *Handlers) ClearCache(c *gin.Context) {
	var body struct {
		Kind string `json:"kind"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		adminFail(c, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if !validCacheKind(body.Kind) {
		adminFail(c, http.StatusBadRequest, errors.Errorf("unknown cache kind %q", body.Kind))
		return
	}
	files, freed := h.assets.ClearCache(body.Kind)
	adminOK(c, gin.H{"files": files, "freed_bytes": freed})
}
