package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"gpufleet/internal/model"
)

const (
	insertPriceRecordSQL = `INSERT INTO price_records (
        provider,
        gpu_type,
        price_per_hour,
        recorded_at
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id;`

	listPriceRecordsSQL = `SELECT
        id, provider, gpu_type, price_per_hour, recorded_at
    FROM price_records
    WHERE provider = $1
      AND gpu_type = $2
      AND recorded_at >= $3
      AND recorded_at < $4
    ORDER BY recorded_at;`

	latestPricesSQL = `SELECT DISTINCT ON (provider)
        provider, price_per_hour
    FROM price_records
    WHERE gpu_type = $1
    ORDER BY provider, recorded_at DESC;`

	deletePriceRecordsBeforeSQL = `DELETE FROM price_records
    WHERE recorded_at < $1;`
)

// AppendPriceRecord persists one market sample.
func (s *Store) AppendPriceRecord(ctx context.Context, rec model.PriceRecord) (model.PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.PriceRecord{}, err
	}

	row := pool.QueryRow(ctx, insertPriceRecordSQL,
		string(rec.Provider),
		rec.GPUType,
		rec.PricePerHour.String(),
		rec.RecordedAt,
	)
	if err := row.Scan(&rec.ID); err != nil {
		return model.PriceRecord{}, fmt.Errorf("insert price record: %w", err)
	}
	return rec, nil
}

// ListPriceRecords returns one (provider, gpu type) series inside a window,
// oldest first.
func (s *Store) ListPriceRecords(ctx context.Context, provider model.Provider, gpuType string, from, to time.Time) ([]model.PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPriceRecordsSQL, string(provider), gpuType, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price records: %w", queryErr)
	}
	defer rows.Close()

	records := make([]model.PriceRecord, 0)
	for rows.Next() {
		rec, scanErr := scanPriceRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// LatestPrices returns the newest sample per provider for a GPU type.
func (s *Store) LatestPrices(ctx context.Context, gpuType string) (map[model.Provider]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestPricesSQL, gpuType)
	if queryErr != nil {
		return nil, fmt.Errorf("latest prices: %w", queryErr)
	}
	defer rows.Close()

	latest := make(map[model.Provider]decimal.Decimal)
	for rows.Next() {
		var providerStr, priceStr string
		if err := rows.Scan(&providerStr, &priceStr); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		latest[model.Provider(providerStr)] = price
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return latest, nil
}

// DeletePriceRecordsBefore drops samples older than the retention horizon
// and reports how many were removed.
func (s *Store) DeletePriceRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	cmdTag, execErr := pool.Exec(ctx, deletePriceRecordsBeforeSQL, before)
	if execErr != nil {
		return 0, fmt.Errorf("delete price records: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func scanPriceRecord(row pgx.Row) (model.PriceRecord, error) {
	var (
		rec         model.PriceRecord
		providerStr string
		priceStr    string
	)

	if err := row.Scan(
		&rec.ID,
		&providerStr,
		&rec.GPUType,
		&priceStr,
		&rec.RecordedAt,
	); err != nil {
		return model.PriceRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return model.PriceRecord{}, fmt.Errorf("parse price per hour: %w", err)
	}

	rec.Provider = model.Provider(providerStr)
	rec.PricePerHour = price
	return rec, nil
}
