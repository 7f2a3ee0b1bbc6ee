package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/types"
)

// SQLiteStore implements Store on modernc.org/sqlite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates it to
// the current schema version
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// baseTables is the version 1 schema. Later columns are added by
// columnMigrations so that databases created by older builds keep their rows.
var baseTables = []string{
	`CREATE TABLE IF NOT EXISTS packets (
		id TEXT PRIMARY KEY,
		sender INTEGER NOT NULL,
		receiver INTEGER,
		timestamp INTEGER NOT NULL,
		type TEXT NOT NULL,
		snr REAL,
		rssi INTEGER,
		hop_limit INTEGER,
		hop_start INTEGER,
		provenance TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_packets_timestamp ON packets(timestamp);`,
	`CREATE TABLE IF NOT EXISTS node_attributes (
		id INTEGER NOT NULL,
		provenance TEXT NOT NULL,
		long_name TEXT,
		short_name TEXT,
		hw_model TEXT,
		latitude REAL,
		longitude REAL,
		altitude INTEGER,
		battery_level REAL,
		voltage REAL,
		temperature REAL,
		humidity REAL,
		last_heard INTEGER,
		last_updated INTEGER,
		PRIMARY KEY(id, provenance)
	);`,
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);`,
}

// contactTables are the per-network identity tables (schema version 2)
var contactTables = []string{
	`CREATE TABLE IF NOT EXISTS meshtastic_contacts (
		id INTEGER PRIMARY KEY,
		name TEXT,
		hw_model TEXT,
		public_key BLOB,
		last_advert INTEGER,
		last_updated INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS meshcore_contacts (
		id INTEGER PRIMARY KEY,
		name TEXT,
		hw_model TEXT,
		public_key BLOB,
		last_advert INTEGER,
		last_updated INTEGER
	);`,
}

var columnMigrations = []struct {
	table, column, colDef string
}{
	{"packets", "rx_node", "INTEGER"},
	{"packets", "hops_taken", "INTEGER"},
	{"packets", "channel", "INTEGER"},
	{"packets", "payload", "TEXT"},
	{"packets", "interface", "TEXT"},
	{"node_attributes", "public_key", "BLOB"},
	{"node_attributes", "pressure", "REAL"},
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	logger := log.WithComponent("storage")

	for _, q := range append(baseTables, contactTables...) {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("base table query failed: %s, err: %w", q, err)
		}
	}

	for _, m := range columnMigrations {
		added, err := s.addColumnIfNotExists(ctx, m.table, m.column, m.colDef)
		if err != nil {
			return fmt.Errorf("column migration failed (%s.%s): %w", m.table, m.column, err)
		}
		if added {
			logger.Info().Str("table", m.table).Str("column", m.column).Msg("Added column")
		}
	}

	// Rows written before hops_taken existed get it derived from the stored TTLs
	if _, err := s.db.ExecContext(ctx, `UPDATE packets SET hops_taken = hop_start - hop_limit
		WHERE hops_taken IS NULL AND hop_start IS NOT NULL AND hop_limit IS NOT NULL
		AND hop_start >= hop_limit`); err != nil {
		return fmt.Errorf("hops_taken backfill failed: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current < SchemaVersion {
		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
			SchemaVersion, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		logger.Info().Int("from", current).Int("to", SchemaVersion).Msg("Schema migrated")
	}
	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
// SQLite lacks ALTER TABLE ... ADD COLUMN IF NOT EXISTS, so the table is
// probed with PRAGMA table_info first.
func (s *SQLiteStore) addColumnIfNotExists(ctx context.Context, table, column, colDef string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}

	exists := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return false, err
		}
		if name == column {
			exists = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, colDef))
	return err == nil, err
}

// SchemaVersion returns the highest recorded schema version, 0 for a
// database that predates version tracking
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, unavailable("schema version", err)
	}
	return int(v.Int64), nil
}

// Packet operations
func (s *SQLiteStore) InsertPacket(ctx context.Context, rec *types.PacketRecord) error {
	var payload any
	if rec.Payload != nil {
		data, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = string(data)
	}

	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO packets
		(id, sender, receiver, timestamp, type, snr, rssi, hop_limit, hop_start, provenance,
		 rx_node, hops_taken, channel, payload, interface)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nodeArg(rec.From), nodeArg(rec.To), rec.Timestamp.UnixNano(), string(rec.Port),
		nullFloat(rec.SNR), nullInt(rec.RSSI), nullInt(rec.HopLimit), nullInt(rec.HopStart),
		string(rec.Provenance), nodeArg(rec.RxNode), nullInt(rec.HopsTaken), nullInt(rec.Channel),
		payload, rec.Interface)
	if err != nil {
		return fmt.Errorf("failed to insert packet: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PacketsSince(ctx context.Context, since time.Time) ([]*types.PacketRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, sender, receiver, timestamp, type, snr, rssi,
		hop_limit, hop_start, provenance, rx_node, hops_taken, channel, payload, interface
		FROM packets WHERE timestamp >= ? ORDER BY timestamp, rowid`, since.UnixNano())
	if err != nil {
		return nil, unavailable("packets since", err)
	}
	defer rows.Close()

	var packets []*types.PacketRecord
	for rows.Next() {
		var (
			rec                                     types.PacketRecord
			sender, ts                              int64
			receiver, rxNode                        sql.NullInt64
			port, prov                              string
			snr                                     sql.NullFloat64
			rssi, hopLimit, hopStart, hops, channel sql.NullInt64
			payload, iface                          sql.NullString
		)
		if err := rows.Scan(&rec.ID, &sender, &receiver, &ts, &port, &snr, &rssi,
			&hopLimit, &hopStart, &prov, &rxNode, &hops, &channel, &payload, &iface); err != nil {
			return nil, unavailable("scan packet", err)
		}

		rec.From = types.NodeID(uint64(sender))
		rec.To = types.NodeID(uint64(receiver.Int64))
		rec.RxNode = types.NodeID(uint64(rxNode.Int64))
		rec.Timestamp = time.Unix(0, ts)
		rec.Port = types.PortNum(port)
		rec.Provenance = types.Provenance(prov)
		rec.SNR = floatPtr(snr)
		rec.RSSI = intPtr(rssi)
		rec.HopLimit = intPtr(hopLimit)
		rec.HopStart = intPtr(hopStart)
		rec.HopsTaken = intPtr(hops)
		rec.Channel = intPtr(channel)
		rec.Interface = iface.String
		if payload.Valid && payload.String != "" {
			var p types.PacketPayload
			if err := json.Unmarshal([]byte(payload.String), &p); err == nil {
				rec.Payload = &p
			}
		}
		packets = append(packets, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("packets since", err)
	}
	return packets, nil
}

func (s *SQLiteStore) PurgePacketsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM packets WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge packets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Node operations
func (s *SQLiteStore) UpsertNode(ctx context.Context, node *types.Node) error {
	var lat, lon, alt any
	if node.Position != nil {
		lat, lon, alt = node.Position.Latitude, node.Position.Longitude, nullInt(node.Position.Altitude)
	}
	tel := node.Telemetry
	if tel == nil {
		tel = &types.Telemetry{}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO node_attributes
		(id, provenance, long_name, short_name, hw_model, latitude, longitude, altitude,
		 battery_level, voltage, temperature, humidity, pressure, public_key, last_heard, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, provenance) DO UPDATE SET
			long_name = excluded.long_name,
			short_name = excluded.short_name,
			hw_model = excluded.hw_model,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			altitude = excluded.altitude,
			battery_level = excluded.battery_level,
			voltage = excluded.voltage,
			temperature = excluded.temperature,
			humidity = excluded.humidity,
			pressure = excluded.pressure,
			public_key = excluded.public_key,
			last_heard = excluded.last_heard,
			last_updated = excluded.last_updated`,
		nodeArg(node.ID), string(node.Provenance), node.LongName, node.ShortName, node.HWModel,
		lat, lon, alt,
		nullFloat(tel.BatteryLevel), nullFloat(tel.Voltage), nullFloat(tel.Temperature),
		nullFloat(tel.Humidity), nullFloat(tel.Pressure),
		nullBytes(node.PublicKey), timeArg(node.LastHeard), timeArg(node.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", node.ID, err)
	}
	return nil
}

const nodeColumns = `id, provenance, long_name, short_name, hw_model, latitude, longitude, altitude,
	battery_level, voltage, temperature, humidity, pressure, public_key, last_heard, last_updated`

func (s *SQLiteStore) GetNode(ctx context.Context, id types.NodeID, prov types.Provenance) (*types.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM node_attributes WHERE id = ? AND provenance = ?`,
		nodeArg(id), string(prov))
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s (%s): %w", id, prov, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get node", err)
	}
	return node, nil
}

func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM node_attributes ORDER BY provenance, id`)
	if err != nil {
		return nil, unavailable("list nodes", err)
	}
	defer rows.Close()

	var nodes []*types.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, unavailable("scan node", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list nodes", err)
	}
	return nodes, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(sc scanner) (*types.Node, error) {
	var (
		node                                  types.Node
		id                                    int64
		prov                                  string
		longName, shortName, hwModel          sql.NullString
		lat, lon                              sql.NullFloat64
		alt                                   sql.NullInt64
		battery, voltage, temp, hum, pressure sql.NullFloat64
		pubKey                                []byte
		lastHeard, lastUpdated                sql.NullInt64
	)
	if err := sc.Scan(&id, &prov, &longName, &shortName, &hwModel, &lat, &lon, &alt,
		&battery, &voltage, &temp, &hum, &pressure, &pubKey, &lastHeard, &lastUpdated); err != nil {
		return nil, err
	}

	node.ID = types.NodeID(uint64(id))
	node.Provenance = types.Provenance(prov)
	node.LongName = longName.String
	node.ShortName = shortName.String
	node.HWModel = hwModel.String
	if lat.Valid && lon.Valid {
		node.Position = &types.Position{Latitude: lat.Float64, Longitude: lon.Float64, Altitude: intPtr(alt)}
	}
	tel := &types.Telemetry{
		BatteryLevel: floatPtr(battery),
		Voltage:      floatPtr(voltage),
		Temperature:  floatPtr(temp),
		Humidity:     floatPtr(hum),
		Pressure:     floatPtr(pressure),
	}
	if !tel.Empty() {
		node.Telemetry = tel
	}
	if len(pubKey) > 0 {
		node.PublicKey = pubKey
	}
	node.LastHeard = timeFrom(lastHeard)
	node.UpdatedAt = timeFrom(lastUpdated)
	return &node, nil
}

// Contact operations
func (s *SQLiteStore) UpsertContact(ctx context.Context, prov types.Provenance, c *types.Contact) error {
	table, err := contactTable(prov)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, name, hw_model, public_key, last_advert, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hw_model = excluded.hw_model,
			public_key = excluded.public_key,
			last_advert = excluded.last_advert,
			last_updated = excluded.last_updated`, table),
		nodeArg(c.ID), c.Name, c.HWModel, nullBytes(c.PublicKey), timeArg(c.LastAdvert), timeArg(c.LastUpdated))
	if err != nil {
		return fmt.Errorf("failed to upsert %s contact %s: %w", prov, c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListContacts(ctx context.Context, prov types.Provenance) ([]*types.Contact, error) {
	table, err := contactTable(prov)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, name, hw_model, public_key, last_advert, last_updated
		FROM %s ORDER BY id`, table))
	if err != nil {
		return nil, unavailable("list contacts", err)
	}
	defer rows.Close()

	var contacts []*types.Contact
	for rows.Next() {
		var (
			c                  types.Contact
			id                 int64
			name, hw           sql.NullString
			pubKey             []byte
			advert, lastUpdate sql.NullInt64
		)
		if err := rows.Scan(&id, &name, &hw, &pubKey, &advert, &lastUpdate); err != nil {
			return nil, unavailable("scan contact", err)
		}
		c.ID = types.NodeID(uint64(id))
		c.Name = name.String
		c.HWModel = hw.String
		if len(pubKey) > 0 {
			c.PublicKey = pubKey
		}
		c.LastAdvert = timeFrom(advert)
		c.LastUpdated = timeFrom(lastUpdate)
		contacts = append(contacts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list contacts", err)
	}
	return contacts, nil
}

// nodeArg stores the id bit pattern in SQLite's signed INTEGER
func nodeArg(id types.NodeID) int64 {
	return int64(uint64(id))
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return types.Float(v.Float64)
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	return types.Int(int(v.Int64))
}

func timeFrom(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64)
}
