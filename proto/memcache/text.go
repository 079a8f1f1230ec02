package memcache

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/reqctx"
)

// textCommand is a small classification used by the text parser; the
// CommandInfo.Op field drives routing once a request is built.
type textCommand int

const (
	textRetrieval textCommand = iota
	textStorage
	textDeleteLike
	textIncrDecr
	textMeta
	textQuit
)

type textEntry struct {
	proto.CommandInfo
	kind textCommand
}

var textTable = map[string]textEntry{
	"get":     {proto.CommandInfo{Name: "get", Op: reqctx.OpGet, Multi: true}, textRetrieval},
	"gets":    {proto.CommandInfo{Name: "gets", Op: reqctx.OpGets, Multi: true}, textRetrieval},
	"set":     {proto.CommandInfo{Name: "set", Op: reqctx.OpStore}, textStorage},
	"add":     {proto.CommandInfo{Name: "add", Op: reqctx.OpStore}, textStorage},
	"replace": {proto.CommandInfo{Name: "replace", Op: reqctx.OpStore}, textStorage},
	"append":  {proto.CommandInfo{Name: "append", Op: reqctx.OpStore}, textStorage},
	"prepend": {proto.CommandInfo{Name: "prepend", Op: reqctx.OpStore}, textStorage},
	"cas":     {proto.CommandInfo{Name: "cas", Op: reqctx.OpStore}, textStorage},
	"delete":  {proto.CommandInfo{Name: "delete", Op: reqctx.OpStore}, textDeleteLike},
	"incr":    {proto.CommandInfo{Name: "incr", Op: reqctx.OpStore}, textIncrDecr},
	"decr":    {proto.CommandInfo{Name: "decr", Op: reqctx.OpStore}, textIncrDecr},
	"version": {proto.CommandInfo{Name: "version", Op: reqctx.OpMeta, NoForward: true}, textMeta},
	"stats":   {proto.CommandInfo{Name: "stats", Op: reqctx.OpMeta, NoForward: true}, textMeta},
	"quit":    {proto.CommandInfo{Name: "quit", Op: reqctx.OpMeta, NoForward: true, Quit: true}, textQuit},
}

// Text is the Memcached line-delimited text protocol codec.
type Text struct{}

func (Text) Name() string { return "memcache-text" }

func findLine(s mem.RingSlice) (lineEnd int, ok bool) {
	idx := s.IndexByte(0, '\n')
	if idx < 0 {
		return 0, false
	}
	return idx + 1, true
}

func trimCRLF(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	return b
}

func (Text) ParseRequest(stream *proto.Stream, hasher hash.Hasher, process proto.ProcessFunc) error {
	for {
		s := stream.Ring.Slice()
		lineEnd, ok := findLine(s)
		if !ok {
			return reqctx.ErrIncomplete
		}
		lineBytes := trimCRLF(s.Sub(0, lineEnd).Bytes())
		fields := bytes.Fields(lineBytes)
		if len(fields) == 0 {
			return reqctx.New(reqctx.KindRequestProtocolInvalid)
		}
		cmd := string(fields[0])
		entry, ok := textTable[cmd]
		if !ok {
			return reqctx.New(reqctx.KindRequestProtocolInvalid)
		}

		switch entry.kind {
		case textRetrieval:
			if err := parseRetrieval(stream, hasher, s, lineEnd, cmd, fields, process); err != nil {
				return err
			}
		case textStorage:
			total, noreply, err := storageFrameLen(s, lineEnd, fields)
			if err != nil {
				return err
			}
			if s.Len() < total {
				return reqctx.ErrIncomplete
			}
			g, err := s.Take(total)
			if err != nil {
				return reqctx.Wrap(reqctx.KindIO, err)
			}
			flag := reqctx.Flag(0)
			if noreply {
				flag = flag.With(reqctx.SentOnly)
			}
			req := &reqctx.Request{
				Payload: g,
				Hash:    hasher.Hash(fields[1]),
				Flag:    flag,
				OpCode:  uint32(len(cmd)), // text ops have no binary opcode; len is a stable-enough discriminant for table lookups keyed on Name instead
				Op:      entry.Op,
			}
			if err := process(req, true); err != nil {
				return err
			}
		case textDeleteLike, textIncrDecr:
			noreply := len(fields) > 0 && string(fields[len(fields)-1]) == "noreply"
			g, err := s.Take(lineEnd)
			if err != nil {
				return reqctx.Wrap(reqctx.KindIO, err)
			}
			flag := reqctx.Flag(0)
			if noreply {
				flag = flag.With(reqctx.SentOnly)
			}
			req := &reqctx.Request{Payload: g, Hash: hasher.Hash(fields[1]), Flag: flag, Op: entry.Op}
			if err := process(req, true); err != nil {
				return err
			}
		case textMeta, textQuit:
			g, err := s.Take(lineEnd)
			if err != nil {
				return reqctx.Wrap(reqctx.KindIO, err)
			}
			req := &reqctx.Request{Payload: g, Flag: reqctx.Flag(0).With(reqctx.NoForward), Op: reqctx.OpMeta}
			if err := process(req, true); err != nil {
				return err
			}
			if entry.kind == textQuit {
				return reqctx.New(reqctx.KindQuit)
			}
		}
	}
}

func storageFrameLen(s mem.RingSlice, lineEnd int, fields [][]byte) (int, bool, error) {
	// set/add/replace/append/prepend <key> <flags> <exptime> <bytes> [noreply]
	// cas <key> <flags> <exptime> <bytes> <cas unique> [noreply]
	if len(fields) < 5 {
		return 0, false, reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	n, err := strconv.Atoi(string(fields[4]))
	if err != nil || n < 0 {
		return 0, false, reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	noreply := string(fields[len(fields)-1]) == "noreply"
	return lineEnd + n + 2, noreply, nil
}

func parseRetrieval(stream *proto.Stream, hasher hash.Hasher, s mem.RingSlice, lineEnd int, cmd string, fields [][]byte, process proto.ProcessFunc) error {
	keys := fields[1:]
	if len(keys) == 0 {
		return reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	if _, err := s.Take(lineEnd); err != nil {
		return reqctx.Wrap(reqctx.KindIO, err)
	}
	for i, key := range keys {
		line := fmt.Sprintf("%s %s\r\n", cmd, string(key))
		flag := reqctx.Flag(0)
		if i == 0 {
			flag = flag.With(reqctx.MkeyFirst)
		}
		last := i == len(keys)-1
		if last {
			flag = flag.With(reqctx.MkeyLast)
		}
		req := &reqctx.Request{
			Payload: mem.NewHeapGuard([]byte(line)),
			Hash:    hasher.Hash(key),
			Flag:    flag,
			Op:      reqctx.OpGet,
		}
		if err := process(req, last); err != nil {
			return err
		}
	}
	return nil
}

func (Text) ParseResponse(stream *proto.Stream) (*reqctx.Response, error) {
	s := stream.Ring.Slice()
	lineEnd, ok := findLine(s)
	if !ok {
		return nil, reqctx.ErrIncomplete
	}
	lineBytes := trimCRLF(s.Sub(0, lineEnd).Bytes())

	if bytes.HasPrefix(lineBytes, []byte("VALUE ")) {
		fields := bytes.Fields(lineBytes)
		if len(fields) < 4 {
			return nil, reqctx.New(reqctx.KindResponseProtocolInvalid)
		}
		n, err := strconv.Atoi(string(fields[3]))
		if err != nil || n < 0 {
			return nil, reqctx.New(reqctx.KindResponseProtocolInvalid)
		}
		endLine := []byte("END\r\n")
		total := lineEnd + n + 2 + len(endLine)
		if s.Len() < total {
			return nil, reqctx.ErrIncomplete
		}
		tail := s.Sub(lineEnd+n+2, total).Bytes()
		if !bytes.Equal(tail, endLine) {
			return nil, reqctx.New(reqctx.KindResponseProtocolInvalid)
		}
		g, err := s.Take(total)
		if err != nil {
			return nil, reqctx.Wrap(reqctx.KindIO, err)
		}
		return &reqctx.Response{Payload: g, Flag: reqctx.Flag(0).With(reqctx.StatusOK)}, nil
	}

	g, err := s.Take(lineEnd)
	if err != nil {
		return nil, reqctx.Wrap(reqctx.KindIO, err)
	}
	flag := reqctx.Flag(0)
	if !bytes.HasPrefix(lineBytes, []byte("ERROR")) &&
		!bytes.HasPrefix(lineBytes, []byte("CLIENT_ERROR")) &&
		!bytes.HasPrefix(lineBytes, []byte("SERVER_ERROR")) &&
		!bytes.Equal(lineBytes, []byte("NOT_STORED")) &&
		!bytes.Equal(lineBytes, []byte("NOT_FOUND")) {
		flag = flag.With(reqctx.StatusOK)
	}
	return &reqctx.Response{Payload: g, Flag: flag}, nil
}

func (Text) WriteResponse(w io.Writer, resp *reqctx.Response) error {
	if resp == nil || resp.Payload == nil {
		return nil
	}
	_, err := w.Write(resp.Payload.Bytes())
	return err
}

func (Text) WritePadding(w io.Writer, req *reqctx.Request) error {
	if req.Flag.SentOnly() {
		return nil
	}
	var out []byte
	switch req.Op {
	case reqctx.OpGet, reqctx.OpGets, reqctx.OpMGet:
		out = []byte("END\r\n")
	default:
		out = []byte("SERVER_ERROR backend unavailable\r\n")
	}
	_, err := w.Write(out)
	return err
}

func (Text) BuildWriteback(ctx *reqctx.Context, exp int) (*reqctx.Request, error) {
	if ctx.Request == nil || ctx.Response == nil || ctx.Response.Payload == nil {
		return nil, reqctx.New(reqctx.KindNoResponseFound)
	}
	reqLine := bytes.Fields(trimCRLF(ctx.Request.Payload.Bytes()))
	if len(reqLine) < 2 {
		return nil, reqctx.New(reqctx.KindNoResponseFound)
	}
	key := reqLine[1]
	val, ok := extractTextValue(ctx.Response.Payload.Bytes())
	if !ok {
		return nil, reqctx.New(reqctx.KindNoResponseFound)
	}
	line := fmt.Sprintf("set %s 0 %d %d noreply\r\n", string(key), exp, len(val))
	payload := append([]byte(line), val...)
	payload = append(payload, '\r', '\n')
	return &reqctx.Request{
		Payload: mem.NewHeapGuard(payload),
		Hash:    ctx.Request.Hash,
		Flag:    reqctx.Flag(0).With(reqctx.SentOnly),
		Op:      reqctx.OpStore,
	}, nil
}

func extractTextValue(resp []byte) ([]byte, bool) {
	idx := bytes.IndexByte(resp, '\n')
	if idx < 0 || !bytes.HasPrefix(resp, []byte("VALUE ")) {
		return nil, false
	}
	fields := bytes.Fields(trimCRLF(resp[:idx]))
	if len(fields) < 4 {
		return nil, false
	}
	n, err := strconv.Atoi(string(fields[3]))
	if err != nil {
		return nil, false
	}
	start := idx + 1
	if start+n > len(resp) {
		return nil, false
	}
	return resp[start : start+n], true
}
