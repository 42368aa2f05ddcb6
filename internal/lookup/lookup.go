// Package lookup resolves signal expressions to measurement keys using the
// metadata snapshot, and keys to values of the current frame.
package lookup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/basekick-labs/eca/internal/filterexpr"
	"github.com/basekick-labs/eca/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ActiveMeasurements is the metadata table describing every signal.
const ActiveMeasurements = "ActiveMeasurements"

// Lookup indexes signal metadata and holds the current frame.
type Lookup struct {
	mu sync.RWMutex

	db      *filterexpr.Database
	bySID   map[uuid.UUID]models.MeasurementKey
	byPoint map[string]models.MeasurementKey
	byTag   map[string]models.MeasurementKey

	frame models.Frame

	logger zerolog.Logger
}

// New creates an empty lookup.
func New(logger zerolog.Logger) (*Lookup, error) {
	l := &Lookup{
		bySID:   make(map[uuid.UUID]models.MeasurementKey),
		byPoint: make(map[string]models.MeasurementKey),
		byTag:   make(map[string]models.MeasurementKey),
		logger:  logger.With().Str("component", "signal-lookup").Logger(),
	}
	db, err := filterexpr.Open(l.logger)
	if err != nil {
		return nil, err
	}
	l.db = db
	return l, nil
}

// Close releases the metadata database.
func (l *Lookup) Close() error {
	return l.db.Close()
}

func columnType(t string) filterexpr.ColumnType {
	switch strings.ToLower(t) {
	case "int", "integer", "long", "bool", "boolean":
		return filterexpr.Integer
	case "float", "double", "real", "decimal":
		return filterexpr.Real
	default:
		return filterexpr.Text
	}
}

// normalizeValue converts decoded payload values to types the SQLite driver
// accepts.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil, string, int64, float64, bool, []byte:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case float32:
		return float64(x)
	case uuid.UUID:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// CrunchMetadata loads every table of ds into the metadata database and
// re-indexes the signals listed in ActiveMeasurements.
func (l *Lookup) CrunchMetadata(ctx context.Context, ds *models.DataSet) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, table := range ds.Tables {
		columns := make([]filterexpr.Column, len(table.Columns))
		for i, c := range table.Columns {
			columns[i] = filterexpr.Column{Name: c.Name, Type: columnType(c.Type)}
		}
		rows := make([][]any, len(table.Rows))
		for i, row := range table.Rows {
			values := make([]any, len(row))
			for j, v := range row {
				values[j] = normalizeValue(v)
			}
			rows[i] = values
		}
		if err := l.db.CreateTable(ctx, table.Name, columns, rows); err != nil {
			return fmt.Errorf("failed to load metadata table %s: %w", table.Name, err)
		}
	}

	bySID := make(map[uuid.UUID]models.MeasurementKey)
	byPoint := make(map[string]models.MeasurementKey)
	byTag := make(map[string]models.MeasurementKey)

	if table, ok := ds.Table(ActiveMeasurements); ok {
		sidCol := table.ColumnIndex("SignalID")
		idCol := table.ColumnIndex("ID")
		tagCol := table.ColumnIndex("PointTag")
		refCol := table.ColumnIndex("SignalReference")
		if sidCol < 0 {
			return fmt.Errorf("metadata table %s has no SignalID column", ActiveMeasurements)
		}

		for i, row := range table.Rows {
			sid, err := uuid.Parse(fmt.Sprint(normalizeValue(cell(row, sidCol))))
			if err != nil {
				l.logger.Warn().Int("row", i).Err(err).Msg("Skipping measurement with invalid SignalID")
				continue
			}
			key := models.MeasurementKey{SignalID: sid}
			if idCol >= 0 {
				if source, id, err := models.ParsePointID(fmt.Sprint(cell(row, idCol))); err == nil {
					key.Source, key.ID = source, id
					byPoint[strings.ToUpper(key.String())] = key
				}
			}
			bySID[sid] = key
			for _, col := range []int{tagCol, refCol} {
				if s, ok := cell(row, col).(string); ok && s != "" {
					byTag[strings.ToUpper(s)] = key
				}
			}
		}
	}

	l.bySID, l.byPoint, l.byTag = bySID, byPoint, byTag

	l.logger.Info().
		Int("tables", len(ds.Tables)).
		Int("signals", len(bySID)).
		Msg("Metadata crunched")

	return nil
}

func cell(row []any, col int) any {
	if col < 0 || col >= len(row) {
		return nil
	}
	return row[col]
}

// SignalCount returns the number of indexed signals.
func (l *Lookup) SignalCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.bySID)
}

// Normalize maps a partial key (signal ID only, or point ID only) to the
// full key known from metadata. Unknown keys are returned unchanged.
func (l *Lookup) Normalize(key models.MeasurementKey) models.MeasurementKey {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.normalize(key)
}

func (l *Lookup) normalize(key models.MeasurementKey) models.MeasurementKey {
	if key.SignalID != uuid.Nil {
		if k, ok := l.bySID[key.SignalID]; ok {
			return k
		}
	}
	if key.Source != "" {
		if k, ok := l.byPoint[strings.ToUpper(key.String())]; ok {
			return k
		}
	}
	return key
}

// GetMeasurementKeys resolves an expression to keys. The expression is a
// filter expression over a metadata table with a SignalID column, or a
// ';'-separated list of signal IDs, point IDs (SOURCE:ID), point tags or
// signal references. A list entry that matches nothing yields UndefinedKey
// at its position.
func (l *Lookup) GetMeasurementKeys(ctx context.Context, expression string) ([]models.MeasurementKey, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}

	if filterexpr.IsFilterExpression(expression) {
		expr, err := filterexpr.Parse(expression)
		if err != nil {
			return nil, err
		}
		rows, err := l.db.Select(ctx, expr, "SignalID")
		if err != nil {
			return nil, err
		}

		l.mu.RLock()
		defer l.mu.RUnlock()
		keys := make([]models.MeasurementKey, 0, len(rows))
		for _, row := range rows {
			sid, err := uuid.Parse(row[0])
			if err != nil {
				continue
			}
			keys = append(keys, l.normalize(models.MeasurementKey{SignalID: sid}))
		}
		return keys, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var keys []models.MeasurementKey
	for _, token := range strings.Split(expression, ";") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		key, ok := l.resolveToken(token)
		if !ok {
			l.logger.Warn().Str("signal", token).Msg("Unknown signal")
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (l *Lookup) resolveToken(token string) (models.MeasurementKey, bool) {
	if sid, err := uuid.Parse(token); err == nil {
		if k, ok := l.bySID[sid]; ok {
			return k, true
		}
		return models.MeasurementKey{SignalID: sid}, true
	}
	if k, ok := l.byTag[strings.ToUpper(token)]; ok {
		return k, true
	}
	if source, id, err := models.ParsePointID(token); err == nil {
		key := models.MeasurementKey{Source: source, ID: id}
		if k, ok := l.byPoint[strings.ToUpper(key.String())]; ok {
			return k, true
		}
		return key, true
	}
	return models.UndefinedKey, false
}

// UpdateMeasurementLookup makes frame the current frame. Keys are
// normalized against metadata.
func (l *Lookup) UpdateMeasurementLookup(frame models.Frame) models.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()

	normalized := models.Frame{
		Timestamp:    frame.Timestamp,
		Measurements: make(map[models.MeasurementKey]models.Measurement, len(frame.Measurements)),
	}
	for _, m := range frame.Measurements {
		m.Key = l.normalize(m.Key)
		normalized.Measurements[m.Key] = m
	}
	l.frame = normalized
	return normalized
}

// GetMeasurement returns the current value of key, or a NaN placeholder
// flagged BadData at the frame time when the frame has none.
func (l *Lookup) GetMeasurement(key models.MeasurementKey) models.Measurement {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.frame.Measurements[key]; ok {
		return m
	}
	return models.Measurement{Key: key, Timestamp: l.frame.Timestamp, Value: math.NaN(), Flags: models.BadData}
}

// BuildFilterExpression renders the subscription filter for keys: a sorted,
// de-duplicated ';'-separated list of signal IDs (or point IDs for keys
// without one).
func BuildFilterExpression(keys []models.MeasurementKey) string {
	seen := make(map[string]bool, len(keys))
	var ids []string
	for _, k := range keys {
		if k.IsUndefined() {
			continue
		}
		id := k.String()
		if k.SignalID != uuid.Nil {
			id = k.SignalID.String()
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return strings.Join(ids, ";")
}
