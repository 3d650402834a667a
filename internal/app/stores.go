package app

import (
	"context"
	"fmt"

	"github.com/fabian4/servicegate/internal/store"
	"github.com/fabian4/servicegate/internal/store/mysql"
	"github.com/fabian4/servicegate/internal/store/sqlite"
)

func openSQLite(ctx context.Context, dsn string) (store.Store, error) {
	s, err := sqlite.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store sqlite: %w", err)
	}
	return s, nil
}

func openMySQL(ctx context.Context, dsn string) (store.Store, error) {
	s, err := mysql.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store mysql: %w", err)
	}
	return s, nil
}
