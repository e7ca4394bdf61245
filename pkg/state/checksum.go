package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"
)

// shardSpace is the number of logical shards resource IDs hash into.
// Physical backends may fold these onto fewer buckets, but the key a
// resource carries never changes.
const shardSpace = 64

// ComputeChecksum returns a deterministic hash over the resource's
// semantic content: type, name, state, properties, and metadata. The
// encoding sorts map keys at every level, so the result is independent
// of insertion or iteration order. Volatile fields (version, timestamps,
// the checksum itself) are excluded.
func ComputeChecksum(r *Resource) string {
	var b strings.Builder
	b.WriteString("type=")
	b.WriteString(string(r.Type))
	b.WriteString(";name=")
	b.WriteString(r.Name)
	b.WriteString(";state=")
	b.WriteString(string(r.State))
	b.WriteString(";properties=")
	encodeCanonical(&b, r.Properties)
	b.WriteString(";metadata=")
	encodeCanonical(&b, r.Metadata)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// SnapshotChecksum hashes the per-resource checksums contained in a
// snapshot, independent of map iteration order.
func SnapshotChecksum(resources map[string]*Resource) string {
	ids := make([]string, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		// Unreachable for well-formed snapshots; keeps nil entries from
		// panicking the hasher.
		if resources[id] == nil {
			continue
		}
		fmt.Fprintf(h, "%s=%s\n", id, resources[id].Checksum)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalValue returns the deterministic text encoding ComputeChecksum
// uses for a single JSON-like value. Two values encode identically
// exactly when the checksum treats them as equal, so callers can use it
// to compare property values across JSON round-trips (int 10 and
// float64 10 encode the same).
func CanonicalValue(v interface{}) string {
	var b strings.Builder
	encodeCanonical(&b, v)
	return b.String()
}

// ShardKeyFor returns the stable shard key for a resource ID. The key is
// assigned once at registration and never changes.
func ShardKeyFor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return fmt.Sprintf("shard-%02d", h.Sum32()%shardSpace)
}

// encodeCanonical writes a deterministic text encoding of a JSON-like
// value. Map keys are sorted; every numeric type is normalized through
// float64 so a value keeps the same encoding before and after a JSON
// round-trip through a backend.
func encodeCanonical(b *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case string:
		b.WriteString(strconv.Quote(val))
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			b.WriteString(strconv.Quote(val.String()))
			return
		}
		writeCanonicalNumber(b, f)
	case int:
		writeCanonicalNumber(b, float64(val))
	case int8:
		writeCanonicalNumber(b, float64(val))
	case int16:
		writeCanonicalNumber(b, float64(val))
	case int32:
		writeCanonicalNumber(b, float64(val))
	case int64:
		writeCanonicalNumber(b, float64(val))
	case uint:
		writeCanonicalNumber(b, float64(val))
	case uint8:
		writeCanonicalNumber(b, float64(val))
	case uint16:
		writeCanonicalNumber(b, float64(val))
	case uint32:
		writeCanonicalNumber(b, float64(val))
	case uint64:
		writeCanonicalNumber(b, float64(val))
	case float32:
		writeCanonicalNumber(b, float64(val))
	case float64:
		writeCanonicalNumber(b, val)
	case time.Time:
		b.WriteString(strconv.Quote(val.UTC().Format(time.RFC3339Nano)))
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeCanonical(b, item)
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(item))
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			encodeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			b.WriteString(strconv.Quote(val[k]))
		}
		b.WriteByte('}')
	default:
		// encoding/json sorts map keys, so this fallback stays
		// deterministic for exotic value types.
		raw, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(b, "%q", fmt.Sprintf("%v", val))
			return
		}
		b.Write(raw)
	}
}

// writeCanonicalNumber formats a float with the shortest representation
// that round-trips, matching integers and their float forms ("10" for
// both int 10 and float64 10).
func writeCanonicalNumber(b *strings.Builder, f float64) {
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}
