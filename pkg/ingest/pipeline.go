package ingest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/meshbridge/pkg/classifier"
	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/keysync"
	"github.com/cuemby/meshbridge/pkg/loader"
	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/radio"
	"github.com/cuemby/meshbridge/pkg/registry"
	"github.com/cuemby/meshbridge/pkg/types"
)

// ErrNoSender is returned for packets without a usable sender id
var ErrNoSender = errors.New("packet has no sender")

// Options wires a Pipeline to its collaborators. Keys and Loader are
// optional.
type Options struct {
	Classifier *classifier.Classifier
	Registry   *registry.Registry
	Keys       *keysync.Synchronizer
	Loader     *loader.Loader
	Publisher  events.Publisher
	Reader     ReaderConfig

	// OnGiveUp is called when a reader exhausts its retries
	OnGiveUp func(name string, err error)

	Clock func() time.Time
}

// Pipeline turns decoded radio packets into registry updates and packet
// records, and supervises one Reader per interface
type Pipeline struct {
	classifier *classifier.Classifier
	reg        *registry.Registry
	keys       *keysync.Synchronizer
	loader     *loader.Loader
	publisher  events.Publisher
	readerCfg  ReaderConfig
	onGiveUp   func(name string, err error)
	now        func() time.Time
	logger     zerolog.Logger

	mu      sync.Mutex
	readers []*Reader
}

// NewPipeline creates a pipeline with no interfaces
func NewPipeline(opts Options) *Pipeline {
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Discard
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		classifier: opts.Classifier,
		reg:        opts.Registry,
		keys:       opts.Keys,
		loader:     opts.Loader,
		publisher:  publisher,
		readerCfg:  opts.Reader,
		onGiveUp:   opts.OnGiveUp,
		now:        clock,
		logger:     log.WithComponent("ingest"),
	}
}

// AddInterface registers an interface. It is read once Run starts.
func (p *Pipeline) AddInterface(name string, factory radio.Factory) *Reader {
	r := &Reader{
		name:      name,
		factory:   factory,
		cfg:       p.readerCfg,
		pipeline:  p,
		publisher: p.publisher,
		onGiveUp:  p.onGiveUp,
		logger:    newReaderLogger(name),
		sleep:     sleepCtx,
	}
	p.mu.Lock()
	p.readers = append(p.readers, r)
	p.mu.Unlock()
	return r
}

// Readers lists the registered readers
func (p *Pipeline) Readers() []*Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Reader(nil), p.readers...)
}

// Run reads every interface until ctx is cancelled. A reader that gives up
// does not stop the others; its error is returned once all have finished.
func (p *Pipeline) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, r := range p.Readers() {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}
	return g.Wait()
}

// connected seeds the registry from a new session and pushes known keys
// into it
func (p *Pipeline) connected(ctx context.Context, iface radio.Interface) {
	prov := p.classifier.Classify(iface, "")
	logger := log.WithInterface("ingest", iface.Name())

	if p.loader != nil {
		if _, err := p.loader.PopulateFromInterface(ctx, iface, prov); err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Initial topology load failed")
			}
			return
		}
	}
	if p.keys != nil {
		if _, err := p.keys.SyncToInterface(ctx, iface, prov); err != nil {
			logger.Warn().Err(err).Msg("Initial key sync failed")
		}
		p.keys.Register(iface, prov)
	}
}

func (p *Pipeline) disconnected(name string) {
	if p.keys != nil {
		p.keys.Unregister(name)
	}
}

// Process classifies one packet, extracts what its port carries, updates
// the sender's node, records the packet and routes identity broadcasts to
// the key synchronizer and the contacts table. Malformed optional fields are
// counted and skipped; only a missing sender drops the packet.
func (p *Pipeline) Process(iface radio.Interface, pkt *radio.Packet) (*types.PacketRecord, error) {
	prov := p.classifier.Classify(iface, pkt.Network)
	fields := pkt.Fields

	from, ok := decode.NodeID(fields, "from", "fromId", "from_id")
	if !ok || from.IsZero() {
		metrics.MalformedFieldsTotal.WithLabelValues("from").Inc()
		return nil, ErrNoSender
	}
	to, _ := decode.NodeID(fields, "to", "toId", "to_id")

	decoded := decode.Object(fields, "decoded")
	if decoded == nil {
		decoded = decode.Fields{}
	}
	port := portOf(decoded)

	ts := pkt.Received
	if secs, bad := decode.FloatField(fields, "rxTime", "rx_time"); !bad && secs != nil && *secs > 0 {
		ts = time.Unix(int64(*secs), 0)
	}
	if ts.IsZero() {
		ts = p.now()
	}

	rec := &types.PacketRecord{
		ID:         uuid.NewString(),
		From:       from,
		To:         to,
		RxNode:     iface.LocalNodeID(),
		Timestamp:  ts,
		Port:       port,
		Provenance: prov,
		Interface:  iface.Name(),
	}
	malformed := 0
	var bad bool
	rec.SNR, bad = decode.FloatField(fields, "rxSnr", "rx_snr", "snr")
	malformed += count(bad)
	rec.RSSI, bad = decode.IntField(fields, "rxRssi", "rx_rssi", "rssi")
	malformed += count(bad)
	rec.HopLimit, bad = decode.IntField(fields, "hopLimit", "hop_limit")
	malformed += count(bad)
	rec.HopStart, bad = decode.IntField(fields, "hopStart", "hop_start")
	malformed += count(bad)
	rec.Channel, bad = decode.IntField(fields, "channel")
	malformed += count(bad)
	rec.HopsTaken = types.HopsTaken(rec.HopStart, rec.HopLimit)

	update := registry.NodeUpdate{HeardAt: ts}
	var text string
	var neighbors []types.Neighbor

	switch port {
	case types.PortPosition:
		pos, bad := decode.Position(payloadObject(decoded, "position"))
		malformed += count(bad)
		update.Position = pos
		if pos != nil {
			rec.Payload = &types.PacketPayload{Position: pos}
		}
	case types.PortTelemetry:
		tel, n := decode.Telemetry(payloadObject(decoded, "telemetry"))
		malformed += n
		update.Telemetry = tel
		if tel != nil {
			rec.Payload = &types.PacketPayload{Telemetry: tel}
		}
	case types.PortNodeInfo, types.PortAdvert:
		ident := decode.IdentityOf(decoded)
		update.LongName, update.ShortName, update.HWModel = ident.LongName, ident.ShortName, ident.HWModel
		if pos, bad := decode.Position(decode.Object(decoded, "position")); !bad {
			update.Position = pos
		}
	case types.PortNeighbor:
		var n int
		neighbors, n = decode.Neighbors(decoded)
		malformed += n
		if neighbors != nil {
			rec.Payload = &types.PacketPayload{Neighbors: neighbors}
		}
	case types.PortText:
		if s, ok := decode.String(firstValue(decoded, "text", "payload")); ok {
			text = s
			rec.Payload = &types.PacketPayload{Text: s}
		}
	}
	if malformed > 0 {
		metrics.MalformedFieldsTotal.WithLabelValues(string(port)).Add(float64(malformed))
	}

	var changed bool
	if port.IsIdentity() && p.keys != nil {
		changed, _ = p.keys.UpsertIdentity(prov, from, update, decoded)
	} else {
		changed = p.reg.UpsertNode(from, update, prov)
	}
	if neighbors != nil {
		p.reg.RecordNeighbors(from, prov, neighbors, ts)
	}
	p.reg.RecordPacket(rec)
	metrics.PacketsTotal.WithLabelValues(string(prov), string(port)).Inc()

	if port.IsIdentity() && changed {
		p.saveContact(prov, from, decoded, update, ts)
	}
	if text != "" {
		p.publisher.Publish(&events.Event{
			Type:    events.EventTextReceived,
			Message: text,
			Metadata: map[string]string{
				"from":       from.Hex(),
				"to":         to.Hex(),
				"channel":    channelLabel(rec.Channel),
				"provenance": string(prov),
				"interface":  iface.Name(),
			},
		})
	}

	p.logger.Trace().
		Str("from", from.Hex()).
		Str("port", string(port)).
		Str("provenance", string(prov)).
		Msg("Packet processed")
	return rec, nil
}

// saveContact records an identity broadcast in the network's contacts
// table. It runs only when the broadcast changed the node, so a repeated
// advert with the same name, hardware and key is never rewritten.
func (p *Pipeline) saveContact(prov types.Provenance, id types.NodeID, decoded decode.Fields, u registry.NodeUpdate, heard time.Time) {
	contact := &types.Contact{ID: id, LastAdvert: heard, LastUpdated: p.now()}
	switch {
	case u.LongName != nil:
		contact.Name = *u.LongName
	case u.ShortName != nil:
		contact.Name = *u.ShortName
	}
	if u.HWModel != nil {
		contact.HWModel = *u.HWModel
	}
	if key, ok := keysync.KeyOf(decoded); ok {
		contact.PublicKey = key
	}
	p.reg.SaveContact(prov, contact)
}

var portNumbers = map[int]types.PortNum{
	1:  types.PortText,
	3:  types.PortPosition,
	4:  types.PortNodeInfo,
	5:  types.PortRouting,
	67: types.PortTelemetry,
	70: types.PortTraceroute,
	71: types.PortNeighbor,
}

// portOf reads the port tag, by name or by Meshtastic port number
func portOf(decoded decode.Fields) types.PortNum {
	v, ok := decode.First(decoded, "portnum", "portNum", "port")
	if !ok {
		return types.PortUnknown
	}
	if n, ok := decode.Int(v); ok {
		if port, ok := portNumbers[n]; ok {
			return port
		}
		return types.PortUnknown
	}
	if s, ok := decode.String(v); ok {
		return types.PortNum(s)
	}
	return types.PortUnknown
}

// payloadObject returns the nested payload object, or decoded itself when
// the decoder flattened it
func payloadObject(decoded decode.Fields, name string) decode.Fields {
	if obj := decode.Object(decoded, name); obj != nil {
		return obj
	}
	return decoded
}

func firstValue(m decode.Fields, names ...string) any {
	v, _ := decode.First(m, names...)
	return v
}

func channelLabel(ch *int) string {
	if ch == nil {
		return ""
	}
	return strconv.Itoa(*ch)
}

func count(bad bool) int {
	if bad {
		return 1
	}
	return 0
}
