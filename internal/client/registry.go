package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/capserve/capserve/internal/registry"
	perrors "github.com/capserve/capserve/pkg/errors"
)

// RegistryClient maintains this replica's membership at a directory node and
// resolves lookups against it.
//
// Registration rides a dedicated long-lived connection because membership is
// bound to it server-side: the directory drops the replica the moment the
// connection dies. The heartbeat loop notices both a dead connection and a
// dropped registration, and re-registers.
type RegistryClient struct {
	directory string
	id        string
	endpoint  string
	caps      []registry.Capability
	log       zerolog.Logger

	conn *Conn
	pool *Pool // lookups; separate from the membership connection
}

func NewRegistryClient(directory, id, endpoint string, caps []registry.Capability, log zerolog.Logger) *RegistryClient {
	return &RegistryClient{
		directory: directory,
		id:        id,
		endpoint:  endpoint,
		caps:      caps,
		log:       log,
		pool:      NewPool(),
	}
}

// Register connects to the directory and announces this replica.
func (r *RegistryClient) Register(ctx context.Context) error {
	if r.conn == nil {
		conn, err := Dial(r.directory)
		if err != nil {
			return err
		}
		r.conn = conn
	}

	args := [][]byte{[]byte("REGISTER"), []byte(r.id), []byte(r.endpoint)}
	for _, c := range r.caps {
		args = append(args, []byte(FormatCapability(c)))
	}
	_, err := r.conn.Do(ctx, args...)
	if err != nil {
		r.conn.Close()
		r.conn = nil
		return err
	}
	return nil
}

// Heartbeat pings the directory over the membership connection,
// re-registering when either the connection or the registration was lost.
func (r *RegistryClient) Heartbeat(ctx context.Context) error {
	if r.conn == nil {
		return r.Register(ctx)
	}
	_, err := r.conn.Do(ctx, []byte("PING"), []byte(r.id))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, perrors.ErrNoReplica):
		// The directory restarted or aged us out.
		r.log.Warn().Msg("registration lost, re-registering")
		return r.Register(ctx)
	case errors.Is(err, perrors.ErrTransport):
		r.conn.Close()
		r.conn = nil
		return r.Register(ctx)
	default:
		return err
	}
}

// Run keeps the registration alive until ctx ends, heartbeating at interval.
func (r *RegistryClient) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.log.Error().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// Close drops the membership connection, which unregisters the replica.
func (r *RegistryClient) Close() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.pool.Close()
}

// Lookup implements the dispatch directory over the wire. Exclusion is
// applied client-side on the full match set; the random pick happens here for
// the same reason.
func (r *RegistryClient) Lookup(query registry.Capability, exclude map[string]struct{}) *registry.Replica {
	matches := r.lookupAll(query, exclude)
	if len(matches) == 0 {
		return nil
	}
	return matches[rand.Intn(len(matches))]
}

// Random returns any replica except the excluded ones.
func (r *RegistryClient) Random(exclude map[string]struct{}) *registry.Replica {
	return r.Lookup(nil, exclude)
}

func (r *RegistryClient) lookupAll(query registry.Capability, exclude map[string]struct{}) []*registry.Replica {
	args := [][]byte{[]byte("LOOKUPALL")}
	for _, kv := range FormatQuery(query) {
		args = append(args, []byte(kv))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := r.pool.Do(ctx, r.directory, args...)
	if err != nil {
		r.log.Error().Err(err).Msg("lookup failed")
		return nil
	}
	items, ok := reply.([]any)
	if !ok {
		return nil
	}

	var out []*registry.Replica
	for _, item := range items {
		raw, ok := item.([]byte)
		if !ok {
			continue
		}
		var rep registry.Replica
		if err := msgpack.Unmarshal(raw, &rep); err != nil {
			r.log.Error().Err(err).Msg("bad replica encoding in lookup reply")
			continue
		}
		if _, skip := exclude[rep.ID]; skip {
			continue
		}
		out = append(out, &rep)
	}
	return out
}

// FormatCapability renders a capability as the flat "k=v;k=v" form REGISTER
// takes. Keys are sorted so the encoding is stable.
func FormatCapability(c registry.Capability) string {
	pairs := FormatQuery(c)
	return strings.Join(pairs, ";")
}

// FormatQuery renders a capability query as "k=v" strings, one per attribute.
func FormatQuery(c registry.Capability) []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + formatValue(c[k])
	}
	return out
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
