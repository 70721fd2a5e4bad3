// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for weak
// ETag generation on the list endpoints.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// ApplicationsStats returns the number of applications (optionally filtered
// by status) and the greatest UpdatedAt among them. When there are no rows
// the count is 0 and maxUpdatedAt is nil.
func ApplicationsStats(ctx context.Context, db *gorm.DB, status domain.Status) (count int64, maxUpdatedAt *time.Time, err error) {
	return tableStats(applicationsQuery(ctx, db, status))
}

// SuppliersStats returns the directory size and the greatest UpdatedAt.
func SuppliersStats(ctx context.Context, db *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	return tableStats(db.WithContext(ctx).Model(&domain.Supplier{}))
}

func tableStats(q *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	if err = q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Session(&gorm.Session{}).Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
