package discovery

import (
	"bytes"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// SnapshotHeader is the parsed first line of a service snapshot file:
// "<md5-hex> <epoch-nanos>\n" preceding the raw YAML payload.
type SnapshotHeader struct {
	Hash      string
	WrittenAt time.Time
}

// ParseSnapshotFile splits raw into its header line and YAML payload.
func ParseSnapshotFile(raw []byte) (SnapshotHeader, []byte, error) {
	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		return SnapshotHeader{}, nil, errors.New("discovery: snapshot file has no header line")
	}
	header := raw[:nl]
	payload := raw[nl+1:]

	fields := bytes.Fields(header)
	if len(fields) != 2 {
		return SnapshotHeader{}, nil, errors.Errorf("discovery: malformed snapshot header %q: want 2 fields", header)
	}
	epochNanos, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return SnapshotHeader{}, nil, errors.Wrapf(err, "discovery: malformed snapshot header epoch %q", fields[1])
	}
	return SnapshotHeader{
		Hash:      string(fields[0]),
		WrittenAt: time.Unix(0, epochNanos),
	}, payload, nil
}
