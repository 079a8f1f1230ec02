package kv

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/resourcemesh/breeze/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildServerGreeting(connID uint32, seed []byte) []byte {
	body := []byte{10} // protocol version
	body = append(body, []byte("8.0.33")...)
	body = append(body, 0)
	cid := make([]byte, 4)
	cid[0], cid[1], cid[2], cid[3] = byte(connID), byte(connID>>8), byte(connID>>16), byte(connID>>24)
	body = append(body, cid...)
	body = append(body, seed...)
	return framePacket(body, 0)
}

func TestParseHandshakeV10(t *testing.T) {
	seed := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	raw := buildServerGreeting(42, seed)
	ring := mem.NewRing(256, 4096)
	copy(ring.Writable(), raw)
	ring.Advance(len(raw))

	g, n, err := ParseHandshakeV10(ring)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, "8.0.33", g.ServerVersion)
	assert.Equal(t, uint32(42), g.ConnectionID)
	assert.Equal(t, seed, g.AuthSeed)
}

func TestScramblePassword_EmptyPassword(t *testing.T) {
	assert.Nil(t, scramblePassword("", []byte{1, 2, 3, 4, 5, 6, 7, 8}))
}

func TestScramblePassword_MatchesReferenceFormula(t *testing.T) {
	seed := []byte("01234567")
	password := "s3cret"

	pwdHash := sha1.Sum([]byte(password))
	pwdHashHash := sha1.Sum(pwdHash[:])
	stage := sha1.Sum(append(append([]byte{}, seed...), pwdHashHash[:]...))
	want := make([]byte, len(pwdHash))
	for i := range want {
		want[i] = stage[i] ^ pwdHash[i]
	}

	got := scramblePassword(password, seed)
	assert.Equal(t, want, got)
}

func TestBuildHandshakeResponse_EncodesUserAndDB(t *testing.T) {
	creds := Credentials{User: "kvuser", Password: "kvpass", DBName: "gazette_0"}
	pkt := buildHandshakeResponse(creds, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	// sequence id 1, and the username/db land somewhere in the payload.
	assert.Equal(t, byte(1), pkt[3])
	assert.Contains(t, string(pkt), "kvuser")
	assert.Contains(t, string(pkt), "gazette_0")
	assert.Contains(t, string(pkt), "mysql_native_password")
}

// fakeMySQLConn is a net.Conn stub that replays a canned server greeting
// followed by an OK ack, recording whatever the client writes back.
type fakeMySQLConn struct {
	net.Conn
	toRead  []byte
	written [][]byte
}

func (f *fakeMySQLConn) Read(b []byte) (int, error) {
	if len(f.toRead) == 0 {
		return 0, net.ErrClosed
	}
	n := copy(b, f.toRead)
	f.toRead = f.toRead[n:]
	return n, nil
}

func (f *fakeMySQLConn) Write(b []byte) (int, error) {
	cp := append([]byte{}, b...)
	f.written = append(f.written, cp)
	return len(b), nil
}

func (f *fakeMySQLConn) SetReadDeadline(time.Time) error { return nil }

func TestCodec_Authenticate_Succeeds(t *testing.T) {
	seed := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	greeting := buildServerGreeting(7, seed)
	okAck := framePacket([]byte{headerOK, 0x00, 0x00}, 2)

	conn := &fakeMySQLConn{toRead: append(append([]byte{}, greeting...), okAck...)}
	c := NewCodec(nil, Credentials{User: "kvuser", Password: "kvpass"})

	err := c.Authenticate(conn)
	require.NoError(t, err)
	require.Len(t, conn.written, 1)
	assert.Contains(t, string(conn.written[0]), "kvuser")
}

func TestCodec_Authenticate_RejectsErrAck(t *testing.T) {
	seed := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	greeting := buildServerGreeting(7, seed)
	errAck := framePacket([]byte{headerErr, 0x15, 0x04, 'b', 'a', 'd'}, 2)

	conn := &fakeMySQLConn{toRead: append(append([]byte{}, greeting...), errAck...)}
	c := NewCodec(nil, Credentials{User: "kvuser", Password: "wrong"})

	err := c.Authenticate(conn)
	require.Error(t, err)
}
