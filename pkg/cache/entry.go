package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/golang/snappy"

	"github.com/pmkol/swcache/pkg/pool"
)

// Entry is a stored response. Entries are never mutated after they are
// stored, every reader gets its own body via Response.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// maxBodySize bounds responses that can be read into an Entry.
const maxBodySize = 64 << 20

var errBodyTooLarge = errors.New("response body too large to cache")

// NewEntry drains and closes resp.Body into a new Entry.
func NewEntry(resp *http.Response) (*Entry, error) {
	defer resp.Body.Close()

	bb := pool.GetBytesBuf()
	defer pool.ReleaseBytesBuf(bb)
	n, err := bb.ReadFrom(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if n > maxBodySize {
		return nil, errBodyTooLarge
	}

	body := make([]byte, bb.Len())
	copy(body, bb.Bytes())
	return &Entry{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now(),
	}, nil
}

// Response builds a fresh response for req. Its body and header can be
// consumed or modified without affecting e.
func (e *Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// OK reports whether the stored status is 2xx.
func (e *Entry) OK() bool {
	return e.StatusCode >= 200 && e.StatusCode <= 299
}

const packVersion = 1

var errShortData = errors.New("packed entry is too short")

// Pack encodes e for remote backends. The body is snappy compressed.
// The returned buffer should be released after use.
func Pack(e *Entry) *pool.Buffer {
	keys := make([]string, 0, len(e.Header))
	for k := range e.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// version + storedAt + status + header count
	size := 1 + 8 + 2 + 2
	for _, k := range keys {
		size += 2 + len(k) + 2
		for _, v := range e.Header[k] {
			size += 4 + len(v)
		}
	}
	size += 4 + snappy.MaxEncodedLen(len(e.Body))

	buf := pool.GetBuf(size)
	b := buf.Bytes()
	b[0] = packVersion
	binary.BigEndian.PutUint64(b[1:9], uint64(e.StoredAt.UnixNano()))
	binary.BigEndian.PutUint16(b[9:11], uint16(e.StatusCode))
	binary.BigEndian.PutUint16(b[11:13], uint16(len(keys)))
	off := 13
	for _, k := range keys {
		vs := e.Header[k]
		binary.BigEndian.PutUint16(b[off:], uint16(len(k)))
		off += 2
		off += copy(b[off:], k)
		binary.BigEndian.PutUint16(b[off:], uint16(len(vs)))
		off += 2
		for _, v := range vs {
			binary.BigEndian.PutUint32(b[off:], uint32(len(v)))
			off += 4
			off += copy(b[off:], v)
		}
	}
	encoded := snappy.Encode(b[off+4:], e.Body)
	binary.BigEndian.PutUint32(b[off:], uint32(len(encoded)))
	off += 4 + len(encoded)

	buf2 := pool.GetBuf(off)
	copy(buf2.Bytes(), b[:off])
	buf.Release()
	return buf2
}

// Unpack decodes data produced by Pack. The returned Entry does not
// reference data.
func Unpack(data []byte) (*Entry, error) {
	r := unpacker{b: data}
	if v := r.u8(); v != packVersion {
		if r.err != nil {
			return nil, r.err
		}
		return nil, fmt.Errorf("unsupported packed entry version %d", v)
	}
	e := &Entry{
		StoredAt:   time.Unix(0, int64(r.u64())),
		StatusCode: int(r.u16()),
	}
	n := int(r.u16())
	if n > 0 {
		e.Header = make(http.Header, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		k := string(r.bytes(int(r.u16())))
		vn := int(r.u16())
		vs := make([]string, 0, vn)
		for j := 0; j < vn && r.err == nil; j++ {
			vs = append(vs, string(r.bytes(int(r.u32()))))
		}
		e.Header[k] = vs
	}
	compressed := r.bytes(int(r.u32()))
	if r.err != nil {
		return nil, r.err
	}
	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	e.Body = body
	return e, nil
}

type unpacker struct {
	b   []byte
	off int
	err error
}

func (r *unpacker) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = errShortData
		return nil
	}
	b := r.b[r.off : r.off+n]
	r.off += n
	return b
}

func (r *unpacker) u8() uint8 {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *unpacker) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *unpacker) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *unpacker) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}
