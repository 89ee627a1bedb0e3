// Package har renders HTTP transactions observed through the engine's
// callbacks as an HTTP Archive (HAR) log, the same interchange format the
// martian proxy tooling speaks.
package har

import (
	"encoding/json"
	"fmt"
	"io"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/google/martian/v3/har"
	"golang.org/x/exp/slices"

	"github.com/mel2oo/go-dpi/flow"
	"github.com/mel2oo/go-dpi/gnet"
	httpinsp "github.com/mel2oo/go-dpi/inspectors/http"
)

// maxBodyBytes bounds how much body is retained per message.
const maxBodyBytes = 64 * 1024

// headerNames is the header table the collector subscribes to.
var headerNames = []string{"Host", "Content-Type", "User-Agent", "Server"}

// Collector accumulates request/response pairs per flow and renders them as
// a HAR log. Wire it up with:
//
//	c := har.NewCollector()
//	engine.ActivateHTTPCallbacks(c.Callbacks(), nil)
type Collector struct {
	mu      sync.Mutex
	pending map[flow.Key]*transaction
	entries []*har.Entry
}

type transaction struct {
	started time.Time

	method  string
	url     string
	version string
	reqHdr  []har.Header
	reqBody []byte

	status    int
	respTime  time.Time
	respVer   string
	respHdr   []har.Header
	respBody  []byte
	respMime string
	haveResp bool
}

func NewCollector() *Collector {
	return &Collector{pending: make(map[flow.Key]*transaction)}
}

// Callbacks returns the hook table to install with ActivateHTTPCallbacks.
func (c *Collector) Callbacks() *httpinsp.Callbacks {
	values := make([]httpinsp.HeaderCallback, len(headerNames))
	for i, name := range headerNames {
		values[i] = c.headerHook(name)
	}
	return &httpinsp.Callbacks{
		URL:         c.urlHook,
		HeaderNames: headerNames,
		HeaderValue: values,
		Body:        c.bodyHook,
	}
}

func (c *Collector) urlHook(url []byte, pkt *gnet.PacketInfo, _ *gnet.Tracking, _ interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, _ := flow.CanonicalKey(pkt)
	// A new request on a flow with a finished exchange flushes the old one.
	if tx, ok := c.pending[key]; ok && tx.haveResp {
		c.flushLocked(key, tx)
	}
	tx := c.txLocked(key, pkt)
	tx.url = string(url)
}

func (c *Collector) headerHook(name string) httpinsp.HeaderCallback {
	return func(info httpinsp.MessageInfo, value []byte, pkt *gnet.PacketInfo, _ *gnet.Tracking, _ interface{}) {
		c.mu.Lock()
		defer c.mu.Unlock()

		key, _ := flow.CanonicalKey(pkt)
		tx := c.txLocked(key, pkt)
		hdr := har.Header{Name: name, Value: string(value)}

		if info.Kind == httpinsp.KindRequest {
			tx.method = info.Method
			tx.version = httpVersion(info)
			tx.reqHdr = append(tx.reqHdr, hdr)
		} else {
			tx.markResponse(info, pkt)
			if name == "Content-Type" {
				tx.respMime = string(value)
			}
			tx.respHdr = append(tx.respHdr, hdr)
		}
	}
}

func (c *Collector) bodyHook(info httpinsp.MessageInfo, body []byte, pkt *gnet.PacketInfo, _ *gnet.Tracking, _ interface{}, last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, _ := flow.CanonicalKey(pkt)
	tx := c.txLocked(key, pkt)

	if info.Kind == httpinsp.KindRequest {
		tx.reqBody = appendBounded(tx.reqBody, body)
		return
	}
	tx.markResponse(info, pkt)
	tx.respBody = appendBounded(tx.respBody, body)
	if last {
		c.flushLocked(key, tx)
	}
}

// HAR snapshots the completed transactions, earliest first.
func (c *Collector) HAR() *har.HAR {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Flush exchanges that saw a response but whose body never terminated.
	for key, tx := range c.pending {
		if tx.haveResp {
			c.flushLocked(key, tx)
		}
	}

	entries := make([]*har.Entry, len(c.entries))
	copy(entries, c.entries)
	slices.SortStableFunc(entries, func(a, b *har.Entry) bool {
		return a.StartedDateTime.Before(b.StartedDateTime)
	})

	return &har.HAR{
		Log: &har.Log{
			Version: "1.2",
			Creator: &har.Creator{Name: "go-dpi", Version: "0.1"},
			Entries: entries,
		},
	}
}

// WriteTo renders the snapshot as HAR JSON.
func (c *Collector) WriteTo(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c.HAR())
}

func (c *Collector) txLocked(key flow.Key, pkt *gnet.PacketInfo) *transaction {
	tx, ok := c.pending[key]
	if !ok {
		tx = &transaction{started: pkt.Timestamp}
		c.pending[key] = tx
	}
	return tx
}

func (c *Collector) flushLocked(key flow.Key, tx *transaction) {
	delete(c.pending, key)

	entry := &har.Entry{
		ID:              fmt.Sprintf("%d", len(c.entries)),
		StartedDateTime: tx.started,
		Request: &har.Request{
			Method:      tx.method,
			URL:         tx.url,
			HTTPVersion: tx.version,
			Headers:     tx.reqHdr,
		},
	}
	if len(tx.reqBody) > 0 {
		entry.Request.PostData = &har.PostData{Text: string(tx.reqBody)}
	}
	if tx.haveResp {
		entry.Time = tx.respTime.Sub(tx.started).Milliseconds()
		entry.Response = &har.Response{
			Status:      tx.status,
			StatusText:  stdhttp.StatusText(tx.status),
			HTTPVersion: tx.respVer,
			Headers:     tx.respHdr,
			Content: &har.Content{
				MimeType: tx.respMime,
				Text:     tx.respBody,
			},
		}
	}
	c.entries = append(c.entries, entry)
}

func (tx *transaction) markResponse(info httpinsp.MessageInfo, pkt *gnet.PacketInfo) {
	if !tx.haveResp {
		tx.haveResp = true
		tx.status = info.StatusCode
		tx.respVer = httpVersion(info)
		tx.respTime = pkt.Timestamp
	}
}

func httpVersion(info httpinsp.MessageInfo) string {
	return fmt.Sprintf("HTTP/%d.%d", info.Major, info.Minor)
}

func appendBounded(dst, src []byte) []byte {
	if room := maxBodyBytes - len(dst); room > 0 {
		if len(src) > room {
			src = src[:room]
		}
		dst = append(dst, src...)
	}
	return dst
}
