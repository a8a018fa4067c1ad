package cache

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// chunk layout: every stored value begins with a fixed-width header on
// its first slot so a reader can tell a chunked value from a plain one
// written by an older build.
//
//	bytes 0..3  magic "IMC1"
//	bytes 4..7  big-endian chunk count
//
// Tail chunks live under "<key>_2" .. "<key>_N" and carry no header.
var chunkMagic = [4]byte{'I', 'M', 'C', '1'}

const chunkHeaderLen = 8

// errValueTooLarge is returned when a value exceeds slotSize*maxChunks.
var errValueTooLarge = errors.New("value exceeds the maximum cacheable size")

type chunker struct {
	client    Client
	slotSize  int
	maxChunks int
}

func (c *chunker) maxValue() int {
	return c.slotSize*c.maxChunks - chunkHeaderLen
}

func tailKey(key string, n int) string {
	return key + "_" + strconv.Itoa(n)
}

// set splits the value over as many slots as needed and writes the
// head chunk last so a concurrent reader never sees a head without its
// tails.
func (c *chunker) set(key string, value []byte, ttl time.Duration) error {
	if len(value) > c.maxValue() {
		return errValueTooLarge
	}
	headRoom := c.slotSize - chunkHeaderLen
	count := 1
	if len(value) > headRoom {
		count = 1 + (len(value)-headRoom+c.slotSize-1)/c.slotSize
	}

	head := make([]byte, chunkHeaderLen, chunkHeaderLen+min(len(value), headRoom))
	copy(head, chunkMagic[:])
	binary.BigEndian.PutUint32(head[4:], uint32(count))

	rest := value
	n := min(len(rest), headRoom)
	head = append(head, rest[:n]...)
	rest = rest[n:]

	for i := 2; i <= count; i++ {
		n = min(len(rest), c.slotSize)
		if err := c.client.Set(tailKey(key, i), rest[:n], ttl); err != nil {
			return err
		}
		rest = rest[n:]
	}
	return c.client.Set(key, head, ttl)
}

// get reassembles a chunked value. A head chunk whose tails have been
// evicted is an orphan: the remains are deleted and the read misses.
func (c *chunker) get(key string) ([]byte, bool) {
	head, ok := c.client.Get(key)
	if !ok {
		return nil, false
	}
	if len(head) < chunkHeaderLen || [4]byte(head[:4]) != chunkMagic {
		// not written by this layer; treat as a miss
		return nil, false
	}
	count := int(binary.BigEndian.Uint32(head[4:8]))
	if count < 1 || count > c.maxChunks {
		c.client.Delete(key)
		return nil, false
	}
	value := head[chunkHeaderLen:]
	if count == 1 {
		return value, true
	}

	keys := make([]string, 0, count-1)
	for i := 2; i <= count; i++ {
		keys = append(keys, tailKey(key, i))
	}
	tails := c.client.GetMulti(keys)
	if len(tails) != len(keys) {
		// partial entry; clear the orphan chunks so later writes start clean
		c.delete(key, count)
		return nil, false
	}
	out := make([]byte, 0, len(value)+(count-1)*c.slotSize)
	out = append(out, value...)
	for _, k := range keys {
		out = append(out, tails[k]...)
	}
	return out, true
}

func (c *chunker) delete(key string, countHint int) {
	if countHint < 1 || countHint > c.maxChunks {
		countHint = c.maxChunks
	}
	keys := make([]string, 0, countHint)
	keys = append(keys, key)
	for i := 2; i <= countHint; i++ {
		keys = append(keys, tailKey(key, i))
	}
	c.client.DeleteMulti(keys)
}
