// Package tsp implements the time sync protocol spoken between a time
// authority and its clients.
//
// A client sends its send time as decimal seconds since the Unix epoch, for
// example "1699999999.123456". The authority answers with the request value
// echoed verbatim, a colon, and its own corrected time, for example
// "1699999999.123456:1699999999.987654". Every message is terminated by a
// newline and is at most MaxMessageLen bytes long, newline included.
package tsp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"example.com/cristian-time/base/timemath"
)

const (
	MaxMessageLen = 64

	Delimiter = '\n'
	Separator = ':'

	// A timestamp has to leave room for a second one in a response.
	maxTimestampLen = (MaxMessageLen - 2) / 2

	// Timestamps beyond this bound are not representable in nanoseconds
	// since the Unix epoch.
	maxUnixSeconds = math.MaxInt64 / 1e9
)

var (
	ErrMalformedMessage = errors.New("malformed message")

	errMessageTooLong = fmt.Errorf("%w: message too long", ErrMalformedMessage)
)

// FormatTime returns t as decimal seconds since the Unix epoch.
func FormatTime(t time.Time) string {
	return strconv.FormatFloat(timemath.UnixSeconds(t), 'f', -1, 64)
}

func ParseTime(s []byte) (time.Time, error) {
	if len(s) == 0 {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrMalformedMessage)
	}
	if len(s) > maxTimestampLen {
		return time.Time{}, fmt.Errorf("%w: timestamp too long", ErrMalformedMessage)
	}
	if !isDecimal(s) {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", ErrMalformedMessage, s)
	}
	f, err := strconv.ParseFloat(string(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", ErrMalformedMessage, s)
	}
	if math.Abs(f) > maxUnixSeconds {
		return time.Time{}, fmt.Errorf("%w: timestamp out of range %q", ErrMalformedMessage, s)
	}
	return timemath.TimeFromUnixSeconds(f), nil
}

// isDecimal reports whether s only contains characters of a decimal
// floating-point literal. strconv accepts more, e.g. "0x1p62" or "1_000".
func isDecimal(s []byte) bool {
	for _, c := range s {
		switch {
		case '0' <= c && c <= '9':
		case c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-':
		default:
			return false
		}
	}
	return true
}

func EncodeRequest(sentAt time.Time) []byte {
	return []byte(FormatTime(sentAt))
}

// DecodeRequest returns the timestamp carried by a request together with
// its textual form, which the response has to echo.
func DecodeRequest(b []byte) (sentAt time.Time, echo []byte, err error) {
	sentAt, err = ParseTime(b)
	if err != nil {
		return time.Time{}, nil, err
	}
	return sentAt, b, nil
}

func EncodeResponse(echo []byte, remoteTime time.Time) []byte {
	b := make([]byte, 0, MaxMessageLen)
	b = append(b, echo...)
	b = append(b, Separator)
	b = append(b, FormatTime(remoteTime)...)
	return b
}

func DecodeResponse(b []byte) (echo []byte, remoteTime time.Time, err error) {
	i := bytes.LastIndexByte(b, Separator)
	if i < 0 {
		return nil, time.Time{}, fmt.Errorf("%w: missing separator", ErrMalformedMessage)
	}
	echo = b[:i]
	_, err = ParseTime(echo)
	if err != nil {
		return nil, time.Time{}, err
	}
	remoteTime, err = ParseTime(b[i+1:])
	if err != nil {
		return nil, time.Time{}, err
	}
	return echo, remoteTime, nil
}

// NewReader returns a reader suitable for ReadMessage.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, MaxMessageLen)
}

// ReadMessage reads one message from r and returns it without its
// terminator. The returned slice is only valid until the next read from r.
// A message that does not fit into MaxMessageLen bytes yields
// ErrMalformedMessage; a stream that ends mid-message yields
// io.ErrUnexpectedEOF.
func ReadMessage(r *bufio.Reader) ([]byte, error) {
	b, err := r.ReadSlice(Delimiter)
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, errMessageTooLong
		}
		if errors.Is(err, io.EOF) && len(b) != 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	b = b[:len(b)-1]
	if n := len(b); n != 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b, nil
}

// WriteMessage writes msg followed by the message terminator.
func WriteMessage(w io.Writer, msg []byte) error {
	if len(msg)+1 > MaxMessageLen {
		return errMessageTooLong
	}
	var buf [MaxMessageLen]byte
	n := copy(buf[:], msg)
	buf[n] = Delimiter
	_, err := w.Write(buf[:n+1])
	return err
}
