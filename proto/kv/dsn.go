package kv

import (
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// Credentials is the auth material one KV-over-MySQL backend connection
// authenticates with: the user/password/default-schema triplet the
// service's "basic" config block declares.
type Credentials struct {
	User     string
	Password string
	DBName   string
}

// ParseCredentials validates user/password/dbName by round-tripping them
// through mysql.Config/FormatDSN/ParseDSN — the same DSN shape any
// database/sql consumer of this driver builds a connection string from —
// even though the connection itself never goes through database/sql: the
// backend FIFO in endpoint speaks the wire protocol directly, so this
// driver contributes validated config parsing only, not its connection
// pool. password is expected already decrypted (see
// discovery.DecryptPassword).
func ParseCredentials(user, password, dbName string) (Credentials, error) {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.DBName = dbName
	cfg.Net = "tcp"
	cfg.Addr = "127.0.0.1:3306" // placeholder: real backend address is supplied per-endpoint by topology, not by this DSN

	parsed, err := mysql.ParseDSN(cfg.FormatDSN())
	if err != nil {
		return Credentials{}, errors.Wrap(err, "kv: invalid backend credentials")
	}
	return Credentials{User: parsed.User, Password: parsed.Passwd, DBName: parsed.DBName}, nil
}
