// Package rtcache wires internal/cachestore's data engine to the two
// wire front-ends of spec §4.7 (text and RESP-like framed), gates
// commands by the runtime's access mode, and drives persistence/
// replication/pub-sub around the store.
package rtcache

import (
	"github.com/HiImSmiley/socketleyd/internal/proto/resp"
	"github.com/HiImSmiley/socketleyd/internal/proto/text"
)

// ReplyKind discriminates the shape of a command's result so both wire
// front-ends can render it in their own framing from one dispatch path.
type ReplyKind uint8

const (
	ReplyOK ReplyKind = iota
	ReplyBulk
	ReplyInt
	ReplyArray
	ReplyErr
	ReplyDenied
)

// Reply is the protocol-agnostic result of dispatching one command.
type Reply struct {
	Kind ReplyKind
	Str  []byte // ReplyBulk; nil means "missing value" (spec SUPPLEMENT)
	Int  int64
	Arr  [][]byte // ReplyArray; each element nil means a missing slot (mget)
	Err  string
}

func ok() Reply                  { return Reply{Kind: ReplyOK} }
func bulk(b []byte) Reply        { return Reply{Kind: ReplyBulk, Str: b} }
func nilBulk() Reply             { return Reply{Kind: ReplyBulk, Str: nil} }
func integer(n int64) Reply      { return Reply{Kind: ReplyInt, Int: n} }
func array(items [][]byte) Reply { return Reply{Kind: ReplyArray, Arr: items} }
func errReply(msg string) Reply  { return Reply{Kind: ReplyErr, Err: msg} }

// denied renders the literal `denied:<command>` error of spec §4.7
// "Access modes" — distinct from the `error:`-prefixed family.
func denied(cmd string) Reply { return Reply{Kind: ReplyDenied, Err: cmd} }

func boolInt(b bool) Reply {
	if b {
		return integer(1)
	}
	return integer(0)
}

// EncodeText renders r for the raw-text front-end (spec §8 scenarios:
// "ok\n", "v\n", "nil\n", "error: type conflict\n").
func EncodeText(r Reply) []byte {
	switch r.Kind {
	case ReplyOK:
		return text.Encode([]byte("ok"))
	case ReplyBulk:
		if r.Str == nil {
			return text.Encode(text.NilReply)
		}
		return text.Encode(r.Str)
	case ReplyInt:
		return text.Encode([]byte(itoa(r.Int)))
	case ReplyArray:
		if r.Arr == nil {
			return text.Encode([]byte(""))
		}
		out := make([]byte, 0, 32)
		for i, el := range r.Arr {
			if i > 0 {
				out = append(out, ' ')
			}
			if el == nil {
				out = append(out, text.NilReply...)
			} else {
				out = append(out, el...)
			}
		}
		return text.Encode(out)
	case ReplyErr:
		return text.Encode([]byte("error: " + r.Err))
	case ReplyDenied:
		return text.Encode([]byte("denied:" + r.Err))
	default:
		return text.Encode([]byte(""))
	}
}

// EncodeRESP renders r for the framed front-end.
func EncodeRESP(r Reply) []byte {
	switch r.Kind {
	case ReplyOK:
		return resp.SimpleString("OK")
	case ReplyBulk:
		return resp.BulkString(r.Str)
	case ReplyInt:
		return resp.Integer(r.Int)
	case ReplyArray:
		if r.Arr == nil {
			return resp.NullArray()
		}
		elems := make([][]byte, len(r.Arr))
		for i, el := range r.Arr {
			elems[i] = resp.BulkString(el)
		}
		return resp.Array(elems)
	case ReplyErr:
		return resp.Err(r.Err)
	case ReplyDenied:
		return resp.Err("denied:" + r.Err)
	default:
		return resp.SimpleString("OK")
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
