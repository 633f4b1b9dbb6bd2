package hostffi

import (
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	// registered database/sql drivers selectable by the DSN's scheme
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"simplert/internal/interp"
)

type dbConn struct {
	driver string
	conn   *sql.DB
}

// driverForScheme maps the DSN prefix the guest passes to a registered
// database/sql driver name. Both sqlite drivers stay registered: `sqlite3`
// selects the cgo driver, `sqlite` the pure-Go one.
var driverForScheme = map[string]string{
	"sqlite3":   "sqlite3",
	"sqlite":    "sqlite",
	"postgres":  "postgres",
	"mysql":     "mysql",
	"sqlserver": "sqlserver",
}

// resolveDB binds the simple.db module: open/exec/query-scalar/close over
// handle-indexed connections. Handles are plain i32 values the guest
// carries around; the Resolver owns the actual *sql.DB.
func (r *Resolver) resolveDB(symbol string) (interp.ImportFunc, error) {
	switch symbol {
	case "open":
		// DSN form: "scheme:rest", e.g. "sqlite::memory:" or
		// "postgres://user@host/db"
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			dsn, err := argString(i, args, 0)
			if err != nil {
				return nil, err
			}
			scheme, rest, ok := strings.Cut(dsn, ":")
			if !ok {
				return nil, errors.Errorf("dsn %q has no scheme", dsn)
			}
			driver, known := driverForScheme[scheme]
			if !known {
				return nil, errors.Errorf("unknown database scheme %q", scheme)
			}
			if driver == "postgres" || driver == "mysql" || driver == "sqlserver" {
				rest = dsn // these drivers parse the full URL themselves
			}
			conn, err := sql.Open(driver, rest)
			if err != nil {
				return nil, errors.Wrap(err, "sql open")
			}
			h := r.nextHandle()
			r.mu.Lock()
			r.dbs[h] = &dbConn{driver: driver, conn: conn}
			r.mu.Unlock()
			return []interp.Slot{interp.SlotOfI32(h)}, nil
		}, nil

	case "exec":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			c, err := r.db(args[0].I32())
			if err != nil {
				return nil, err
			}
			query, err := argString(i, args, 1)
			if err != nil {
				return nil, err
			}
			res, err := c.conn.Exec(query)
			if err != nil {
				return nil, errors.Wrap(err, "exec")
			}
			n, _ := res.RowsAffected()
			return []interp.Slot{interp.SlotOfI64(n)}, nil
		}, nil

	case "query_scalar":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			c, err := r.db(args[0].I32())
			if err != nil {
				return nil, err
			}
			query, err := argString(i, args, 1)
			if err != nil {
				return nil, err
			}
			var out sql.NullString
			if err := c.conn.QueryRow(query).Scan(&out); err != nil {
				return nil, errors.Wrap(err, "query scalar")
			}
			return []interp.Slot{i.StringSlot(out.String)}, nil
		}, nil

	case "close":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			h := args[0].I32()
			r.mu.Lock()
			c, ok := r.dbs[h]
			delete(r.dbs, h)
			r.mu.Unlock()
			if !ok {
				return nil, errors.Errorf("unknown db handle %d", h)
			}
			if err := c.conn.Close(); err != nil {
				return nil, errors.Wrap(err, "close")
			}
			return []interp.Slot{interp.SlotOfI32(0)}, nil
		}, nil

	default:
		return nil, errors.Errorf("unknown symbol %q", symbol)
	}
}

func (r *Resolver) db(h int32) (*dbConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.dbs[h]
	if !ok {
		return nil, errors.Errorf("unknown db handle %d", h)
	}
	return c, nil
}
