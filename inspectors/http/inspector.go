package http

import (
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mel2oo/go-dpi/gnet"
)

// MaxHeaderTypes bounds the user-configured header-name table.
const MaxHeaderTypes = 128

// MessageInfo describes the HTTP message a callback belongs to.
type MessageInfo struct {
	Major int
	Minor int
	Kind  MessageKind

	// Method is set for requests, StatusCode for responses.
	Method     string
	StatusCode int
}

// URLCallback receives the request URL. url is valid only for the duration of
// the call.
type URLCallback func(url []byte, pkt *gnet.PacketInfo, tr *gnet.Tracking, userData interface{})

// HeaderCallback receives the value of one configured header type. value is
// valid only for the duration of the call.
type HeaderCallback func(info MessageInfo, value []byte, pkt *gnet.PacketInfo, tr *gnet.Tracking, userData interface{})

// BodyCallback receives body chunks as they arrive; last marks the chunk that
// completes a body piece. body is valid only for the duration of the call.
type BodyCallback func(info MessageInfo, body []byte, pkt *gnet.PacketInfo, tr *gnet.Tracking, userData interface{}, last bool)

// Callbacks is the user's hook table. Nil entries mean "no hook"; HeaderValue
// is indexed in lockstep with HeaderNames.
type Callbacks struct {
	URL         URLCallback
	HeaderNames []string
	HeaderValue []HeaderCallback
	Body        BodyCallback
}

// Inspector is the HTTP/1.x protocol inspector. One Inspector serves every
// flow; per-flow, per-direction parser state lives in the flow's tracking
// slots.
type Inspector struct {
	callbacks *Callbacks
	userData  interface{}
	log       *logrus.Logger
}

var _ gnet.Inspector = (*Inspector)(nil)

func NewInspector(log *logrus.Logger) *Inspector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Inspector{log: log}
}

func (ins *Inspector) Name() string            { return "HTTP/1.x Inspector" }
func (ins *Inspector) Protocol() gnet.Protocol { return gnet.ProtocolHTTP }

// SetCallbacks installs the user's hook table. userData is passed through to
// every hook and is never freed or modified by the engine.
func (ins *Inspector) SetCallbacks(cbs *Callbacks, userData interface{}) error {
	if cbs != nil && len(cbs.HeaderNames) > MaxHeaderTypes {
		return errors.Wrapf(gnet.ErrInvalidArgument, "%d header types exceeds the maximum of %d",
			len(cbs.HeaderNames), MaxHeaderTypes)
	}
	ins.callbacks = cbs
	ins.userData = userData
	return nil
}

// ClearCallbacks drops the hook table and user data references. Idempotent.
func (ins *Inspector) ClearCallbacks() {
	ins.callbacks = nil
	ins.userData = nil
}

// Inspect drives the per-direction parser over one surfaced byte run.
func (ins *Inspector) Inspect(tr *gnet.Tracking, pkt *gnet.PacketInfo, data []byte) gnet.Status {
	if pkt.L4Proto != layers.IPProtocolTCP {
		return gnet.NoMatches
	}

	dir := pkt.Direction
	ds, _ := tr.Parser(dir, gnet.ProtocolHTTP).(*dirState)
	if ds == nil {
		ds = newDirState(ins)
		tr.SetParser(dir, gnet.ProtocolHTTP, ds)
	}

	// The hooks read the packet under inspection through the dirState; the
	// pointers they hand to user code are valid only for this call.
	ds.pkt = pkt
	ds.tr = tr
	err := ds.parser.Execute(data)
	ds.pkt = nil
	ds.tr = nil

	if err == nil {
		return gnet.Matches
	}

	if !tr.SeenSYN {
		// We joined mid-stream, so the parser was never aligned with the
		// protocol state; a failure here is not evidence against HTTP. Start
		// over and wait for more data.
		ds.parser.Reset()
		ds.clearTemp()
		return gnet.MoreDataNeeded
	}

	ins.log.WithField("err", err).Debug("http parse failed")
	return gnet.NoMatches
}

// dirState is the per-direction inspector state: the incremental parser plus
// the single temp buffer used to reassemble a field split across surfaced
// byte runs. One buffer suffices because the parser serialises span
// callbacks; a field is always finalised before the next one begins.
type dirState struct {
	insp   *Inspector
	parser *Parser

	tempBuf          []byte
	parseHeaderField bool
	headerType       int

	// Packet under inspection, set for the duration of one Inspect call.
	pkt *gnet.PacketInfo
	tr  *gnet.Tracking
}

func newDirState(ins *Inspector) *dirState {
	ds := &dirState{insp: ins}
	ds.parser = NewParser(Hooks{
		OnURL:         ds.onURL,
		OnHeaderField: ds.onHeaderField,
		OnHeaderValue: ds.onHeaderValue,
		OnBody:        ds.onBody,
	})
	return ds
}

// span resolves one (possibly partial) field span against the temp buffer.
// The outcome mirrors the parser's copy-or-borrow contract: either the
// completed field is yielded (borrowing the input when no buffering was
// needed), or the span was buffered pending more data.
func (ds *dirState) span(data []byte, partial bool) (out []byte, yielded bool) {
	if ds.tempBuf != nil {
		ds.tempBuf = append(ds.tempBuf, data...)
	}
	if partial {
		if ds.tempBuf == nil {
			ds.tempBuf = append(make([]byte, 0, len(data)), data...)
		}
		return nil, false
	}
	if ds.tempBuf != nil {
		return ds.tempBuf, true
	}
	return data, true
}

func (ds *dirState) clearTemp() {
	ds.tempBuf = nil
}

func (ds *dirState) messageInfo() MessageInfo {
	major, minor := ds.parser.Version()
	return MessageInfo{
		Major:      major,
		Minor:      minor,
		Kind:       ds.parser.Kind(),
		Method:     ds.parser.Method(),
		StatusCode: ds.parser.StatusCode(),
	}
}

func (ds *dirState) onURL(data []byte, partial bool) {
	cbs := ds.insp.callbacks
	if cbs == nil || cbs.URL == nil {
		return
	}
	out, yielded := ds.span(data, partial)
	if !yielded {
		return
	}
	cbs.URL(out, ds.pkt, ds.tr, ds.insp.userData)
	ds.clearTemp()
}

func (ds *dirState) onHeaderField(data []byte, partial bool) {
	cbs := ds.insp.callbacks
	if cbs == nil || len(cbs.HeaderNames) == 0 {
		return
	}
	out, yielded := ds.span(data, partial)
	if !yielded {
		return
	}

	ds.parseHeaderField = false
	for i, name := range cbs.HeaderNames {
		if asciiEqualFold(out, name) {
			ds.headerType = i
			ds.parseHeaderField = true
			break
		}
	}
	ds.clearTemp()
}

func (ds *dirState) onHeaderValue(data []byte, partial bool) {
	cbs := ds.insp.callbacks
	if cbs == nil || !ds.parseHeaderField {
		return
	}
	out, yielded := ds.span(data, partial)
	if !yielded {
		return
	}

	if ds.headerType < len(cbs.HeaderValue) {
		if cb := cbs.HeaderValue[ds.headerType]; cb != nil {
			cb(ds.messageInfo(), out, ds.pkt, ds.tr, ds.insp.userData)
		}
	}
	ds.clearTemp()
}

func (ds *dirState) onBody(data []byte, partial bool) {
	cbs := ds.insp.callbacks
	if cbs == nil || cbs.Body == nil {
		return
	}
	// Body chunks are not reassembled; each span is delivered as it arrives
	// with a flag marking the piece that completes it.
	cbs.Body(ds.messageInfo(), data, ds.pkt, ds.tr, ds.insp.userData, !partial)
	ds.clearTemp()
}

// asciiEqualFold compares an ASCII byte span against a string
// case-insensitively without allocating.
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if lower(b[i]) != lower(s[i]) {
			return false
		}
	}
	return true
}
