package rtcache

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/HiImSmiley/socketleyd/internal/cachestore"
	"github.com/HiImSmiley/socketleyd/internal/glob"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

// accessLevel orders the three access modes of spec §4.7: each level
// includes every command of the levels below it.
type accessLevel uint8

const (
	levelReadOnly accessLevel = iota
	levelReadWrite
	levelAdmin
)

func levelOf(mode runtime.CacheAccessMode) accessLevel {
	switch mode {
	case runtime.CacheReadOnly:
		return levelReadOnly
	case runtime.CacheAdmin:
		return levelAdmin
	default:
		return levelReadWrite
	}
}

// cmdLevel is the minimum access level each command requires (spec §4.7
// "Access modes": readonly permits get/exists/ttl/pttl/type/keys/scan/
// size/memory/maxmemory and list/set/hash read ops; readwrite adds all
// write ops; admin adds flush/load/subscribe/unsubscribe/publish).
var cmdLevel = map[string]accessLevel{
	"get": levelReadOnly, "exists": levelReadOnly, "ttl": levelReadOnly,
	"pttl": levelReadOnly, "type": levelReadOnly, "keys": levelReadOnly,
	"scan": levelReadOnly, "size": levelReadOnly, "memory": levelReadOnly,
	"maxmemory": levelReadOnly, "strlen": levelReadOnly, "llen": levelReadOnly,
	"lindex": levelReadOnly, "lrange": levelReadOnly, "sismember": levelReadOnly,
	"scard": levelReadOnly, "smembers": levelReadOnly, "hget": levelReadOnly,
	"hlen": levelReadOnly, "hgetall": levelReadOnly, "mget": levelReadOnly,

	"set": levelReadWrite, "del": levelReadWrite, "incr": levelReadWrite,
	"decr": levelReadWrite, "incrby": levelReadWrite, "decrby": levelReadWrite,
	"append": levelReadWrite, "getset": levelReadWrite, "setnx": levelReadWrite,
	"setex": levelReadWrite, "psetex": levelReadWrite, "mset": levelReadWrite,
	"lpush": levelReadWrite, "rpush": levelReadWrite, "lpop": levelReadWrite,
	"rpop": levelReadWrite, "sadd": levelReadWrite, "srem": levelReadWrite,
	"hset": levelReadWrite, "hdel": levelReadWrite, "expire": levelReadWrite,
	"pexpire": levelReadWrite, "expireat": levelReadWrite, "pexpireat": levelReadWrite,
	"persist": levelReadWrite,

	"flush": levelAdmin, "load": levelAdmin, "subscribe": levelAdmin,
	"unsubscribe": levelAdmin, "publish": levelAdmin,
}

// Dispatcher owns a Store and the runtime-level policy (access mode,
// max memory for the `maxmemory` query, persistent path default) around
// it; both wire front-ends call Dispatch for every parsed command.
type Dispatcher struct {
	Store          *cachestore.Store
	Mode           runtime.CacheAccessMode
	PersistentPath string
}

// PubSub lets Dispatch stay a pure function of (verb, args) for
// everything except pub/sub, which needs the calling connection's
// identity; the cache runtime supplies one per connection (connPubSub).
type PubSub interface {
	Subscribe(channel string)
	Unsubscribe(channel string)
	Publish(channel string, payload []byte) int
}

// Dispatch runs one already-tokenized command against the store,
// enforcing the runtime's access mode first (spec §4.7). ps may be nil
// for a command issued outside a connection context (the control
// plane's `action` verb); subscribe/unsubscribe/publish then get an
// error reply.
func (d *Dispatcher) Dispatch(verb string, args [][]byte, ps PubSub) Reply {
	verb = strings.ToLower(verb)

	need, known := cmdLevel[verb]
	if !known {
		return errReply("unknown command: " + verb)
	}
	if levelOf(d.Mode) < need {
		return denied(verb)
	}

	s := d.Store
	switch verb {
	case "set":
		if len(args) < 2 {
			return errReply("usage: set <key> <value>")
		}
		return errOrOK(s.Set(string(args[0]), args[1]))
	case "get":
		v, found, err := s.Get(string(arg(args, 0)))
		if err != nil {
			return fromErr(err)
		}
		if !found {
			return nilBulk()
		}
		return bulk(v)
	case "del":
		return boolInt(s.Del(string(arg(args, 0))))
	case "exists":
		return boolInt(s.Exists(string(arg(args, 0))))
	case "incr":
		n, err := s.Incr(string(arg(args, 0)))
		return intOrErr(n, err)
	case "decr":
		n, err := s.Decr(string(arg(args, 0)))
		return intOrErr(n, err)
	case "incrby":
		d2, perr := parseInt(arg(args, 1))
		if perr != nil {
			return errReply(perr.Error())
		}
		n, err := s.IncrBy(string(arg(args, 0)), d2)
		return intOrErr(n, err)
	case "decrby":
		d2, perr := parseInt(arg(args, 1))
		if perr != nil {
			return errReply(perr.Error())
		}
		n, err := s.DecrBy(string(arg(args, 0)), d2)
		return intOrErr(n, err)
	case "append":
		n, err := s.Append(string(arg(args, 0)), arg(args, 1))
		return intOrErr(int64(n), err)
	case "strlen":
		n, err := s.Strlen(string(arg(args, 0)))
		return intOrErr(int64(n), err)
	case "getset":
		v, _, err := s.GetSet(string(arg(args, 0)), arg(args, 1))
		if err != nil {
			return fromErr(err)
		}
		return bulk(v)
	case "setnx":
		ok2, err := s.SetNX(string(arg(args, 0)), arg(args, 1))
		return boolOrErr(ok2, err)
	case "setex":
		secs, perr := parseInt(arg(args, 1))
		if perr != nil {
			return errReply(perr.Error())
		}
		return errOrOK(s.SetEX(string(arg(args, 0)), arg(args, 2), secs))
	case "psetex":
		ms, perr := parseInt(arg(args, 1))
		if perr != nil {
			return errReply(perr.Error())
		}
		return errOrOK(s.PSetEX(string(arg(args, 0)), arg(args, 2), ms))
	case "mget":
		keys := make([]string, len(args))
		for i, a := range args {
			keys[i] = string(a)
		}
		return array(s.MGet(keys))
	case "mset":
		if len(args)%2 != 0 {
			return errReply("usage: mset <key> <value> [key value ...]")
		}
		pairs := make(map[string][]byte, len(args)/2)
		for i := 0; i < len(args); i += 2 {
			pairs[string(args[i])] = args[i+1]
		}
		return errOrOK(s.MSet(pairs))
	case "type":
		t, ok2 := s.Type(string(arg(args, 0)))
		if !ok2 {
			return nilBulk()
		}
		return bulk([]byte(t))

	case "lpush":
		n, err := s.LPush(string(arg(args, 0)), args[1:]...)
		return intOrErr(int64(n), err)
	case "rpush":
		n, err := s.RPush(string(arg(args, 0)), args[1:]...)
		return intOrErr(int64(n), err)
	case "lpop":
		v, found, err := s.LPop(string(arg(args, 0)))
		if err != nil {
			return fromErr(err)
		}
		if !found {
			return nilBulk()
		}
		return bulk(v)
	case "rpop":
		v, found, err := s.RPop(string(arg(args, 0)))
		if err != nil {
			return fromErr(err)
		}
		if !found {
			return nilBulk()
		}
		return bulk(v)
	case "llen":
		n, err := s.LLen(string(arg(args, 0)))
		return intOrErr(int64(n), err)
	case "lindex":
		idx, perr := parseInt(arg(args, 1))
		if perr != nil {
			return errReply(perr.Error())
		}
		v, found, err := s.LIndex(string(arg(args, 0)), int(idx))
		if err != nil {
			return fromErr(err)
		}
		if !found {
			return nilBulk()
		}
		return bulk(v)
	case "lrange":
		start, perr1 := parseInt(arg(args, 1))
		stop, perr2 := parseInt(arg(args, 2))
		if perr1 != nil || perr2 != nil {
			return errReply("usage: lrange <key> <start> <stop>")
		}
		vals, err := s.LRange(string(arg(args, 0)), int(start), int(stop))
		if err != nil {
			return fromErr(err)
		}
		return array(vals)

	case "sadd":
		n, err := s.SAdd(string(arg(args, 0)), args[1:]...)
		return intOrErr(int64(n), err)
	case "srem":
		n, err := s.SRem(string(arg(args, 0)), args[1:]...)
		return intOrErr(int64(n), err)
	case "sismember":
		b, err := s.SIsMember(string(arg(args, 0)), arg(args, 1))
		return boolOrErr(b, err)
	case "scard":
		n, err := s.SCard(string(arg(args, 0)))
		return intOrErr(int64(n), err)
	case "smembers":
		vals, err := s.SMembers(string(arg(args, 0)))
		if err != nil {
			return fromErr(err)
		}
		return array(vals)

	case "hset":
		_, err := s.HSet(string(arg(args, 0)), string(arg(args, 1)), arg(args, 2))
		return errOrOK(err)
	case "hget":
		v, found, err := s.HGet(string(arg(args, 0)), string(arg(args, 1)))
		if err != nil {
			return fromErr(err)
		}
		if !found {
			return nilBulk()
		}
		return bulk(v)
	case "hdel":
		b, err := s.HDel(string(arg(args, 0)), string(arg(args, 1)))
		return boolOrErr(b, err)
	case "hlen":
		n, err := s.HLen(string(arg(args, 0)))
		return intOrErr(int64(n), err)
	case "hgetall":
		m, err := s.HGetAll(string(arg(args, 0)))
		if err != nil {
			return fromErr(err)
		}
		fields := make([]string, 0, len(m))
		for f := range m {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		out := make([][]byte, 0, len(fields)*2)
		for _, f := range fields {
			out = append(out, []byte(f), m[f])
		}
		return array(out)

	case "expire":
		secs, perr := parseInt(arg(args, 1))
		if perr != nil {
			return errReply(perr.Error())
		}
		return boolInt(s.Expire(string(arg(args, 0)), secs))
	case "pexpire":
		ms, perr := parseInt(arg(args, 1))
		if perr != nil {
			return errReply(perr.Error())
		}
		return boolInt(s.PExpire(string(arg(args, 0)), ms))
	case "expireat":
		ts, perr := parseInt(arg(args, 1))
		if perr != nil {
			return errReply(perr.Error())
		}
		return boolInt(s.ExpireAt(string(arg(args, 0)), ts))
	case "pexpireat":
		ts, perr := parseInt(arg(args, 1))
		if perr != nil {
			return errReply(perr.Error())
		}
		return boolInt(s.PExpireAt(string(arg(args, 0)), ts))
	case "persist":
		return boolInt(s.Persist(string(arg(args, 0))))
	case "ttl":
		return integer(s.TTL(string(arg(args, 0))))
	case "pttl":
		return integer(s.PTTL(string(arg(args, 0))))

	case "size":
		return integer(int64(s.Size()))
	case "memory":
		return integer(s.CurrentMemory())
	case "maxmemory":
		return integer(s.MaxMemory())
	case "keys":
		pattern := "*"
		if len(args) > 0 {
			pattern = string(args[0])
		}
		ks := s.Keys(pattern)
		sort.Strings(ks)
		out := make([][]byte, len(ks))
		for i, k := range ks {
			out[i] = []byte(k)
		}
		return array(out)
	case "scan":
		return d.scan(args)

	case "subscribe":
		if ps == nil {
			return errReply("subscribe requires a connection")
		}
		ps.Subscribe(string(arg(args, 0)))
		return ok()
	case "unsubscribe":
		if ps == nil {
			return errReply("unsubscribe requires a connection")
		}
		ps.Unsubscribe(string(arg(args, 0)))
		return ok()
	case "publish":
		if ps == nil {
			return errReply("publish requires a connection")
		}
		n := ps.Publish(string(arg(args, 0)), arg(args, 1))
		return integer(int64(n))

	case "flush":
		path := d.PersistentPath
		if len(args) > 0 {
			path = string(args[0])
		}
		if path == "" {
			return errReply("no persistent_path configured")
		}
		if err := s.Save(path); err != nil {
			return fromErr(err)
		}
		return ok()
	case "load":
		path := d.PersistentPath
		if len(args) > 0 {
			path = string(args[0])
		}
		if path == "" {
			return errReply("no persistent_path configured")
		}
		if err := s.Load(path); err != nil {
			return fromErr(err)
		}
		return ok()
	}

	return errReply("unknown command: " + verb)
}

// scan implements the cursor/match/count admin op over a stable sorted
// snapshot of live keys, so repeated calls with an advancing cursor walk
// the keyspace without skipping or repeating under concurrent writes to
// keys outside the already-returned prefix.
func (d *Dispatcher) scan(args [][]byte) Reply {
	cursor := int64(0)
	match := "*"
	count := 10

	if len(args) > 0 {
		if n, err := parseInt(args[0]); err == nil {
			cursor = n
		}
	}
	for i := 1; i+1 < len(args); i += 2 {
		switch strings.ToLower(string(args[i])) {
		case "match":
			match = string(args[i+1])
		case "count":
			if n, err := strconv.Atoi(string(args[i+1])); err == nil {
				count = n
			}
		}
	}

	all := d.Store.Keys("*")
	sort.Strings(all)

	var matched []string
	for _, k := range all {
		if glob.Match(match, k) {
			matched = append(matched, k)
		}
	}

	start := int(cursor)
	if start > len(matched) {
		start = len(matched)
	}
	end := start + count
	if end > len(matched) {
		end = len(matched)
	}

	nextCursor := int64(end)
	if end >= len(matched) {
		nextCursor = 0
	}

	out := make([][]byte, 0, end-start+1)
	out = append(out, []byte(strconv.FormatInt(nextCursor, 10)))
	for _, k := range matched[start:end] {
		out = append(out, []byte(k))
	}
	return array(out)
}

func arg(args [][]byte, i int) []byte {
	if i >= len(args) {
		return nil
	}
	return args[i]
}

func parseInt(b []byte) (int64, error) {
	if b == nil {
		return 0, errors.New("missing integer argument")
	}
	return strconv.ParseInt(string(b), 10, 64)
}

func fromErr(err error) Reply {
	var xe *xerr.Error
	if errors.As(err, &xe) {
		return errReply(xe.Error())
	}
	return errReply(err.Error())
}

func errOrOK(err error) Reply {
	if err != nil {
		return fromErr(err)
	}
	return ok()
}

func intOrErr(n int64, err error) Reply {
	if err != nil {
		return fromErr(err)
	}
	return integer(n)
}

func boolOrErr(b bool, err error) Reply {
	if err != nil {
		return fromErr(err)
	}
	return boolInt(b)
}
