package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiSerialStock/internal/config"
	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
	"github.com/nemonet1337/zaiSerialStock/pkg/inventory/storage"
)

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	logger.Info("zaiSerialStock マイグレーション実行ツール")

	ctx := context.Background()

	// データベース接続
	logger.Info("データベースに接続中",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
	)
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer db.Close()

	// マイグレーションディレクトリの確認
	migrationDir := "migrations"
	if len(os.Args) > 1 {
		migrationDir = os.Args[1]
	}
	if _, err := os.Stat(migrationDir); os.IsNotExist(err) {
		logger.Fatal("マイグレーションディレクトリが見つかりません", zap.String("dir", migrationDir))
	}

	m := &migrator{db: db, logger: logger}

	// マイグレーション履歴テーブルの作成
	if err := m.createMigrationTable(ctx); err != nil {
		logger.Fatal("マイグレーション履歴テーブル作成に失敗しました", zap.Error(err))
	}

	// マイグレーション実行
	applied, err := m.run(ctx, migrationDir)
	if err != nil {
		logger.Fatal("マイグレーション実行に失敗しました", zap.Error(err))
	}
	logger.Info("すべてのマイグレーションが完了しました", zap.Int("applied", applied))

	if applied == 0 {
		return
	}

	// スキーマ変更後は製品の在庫可用性を個体ステータスから再計算する
	store := storage.NewPostgreSQLStorageFromDB(db, logger)
	manager := inventory.NewManager(store, nil, logger, cfg.ManagerConfig())
	if err := recomputeAvailability(ctx, manager, logger); err != nil {
		logger.Fatal("在庫可用性の再計算に失敗しました", zap.Error(err))
	}
}

// recomputeAvailability brings every product's availability in line with its units
// 全製品の在庫可用性を再計算
func recomputeAvailability(ctx context.Context, manager *inventory.Manager, logger *zap.Logger) error {
	products, err := manager.ListProducts(ctx, inventory.SystemActor)
	if err != nil {
		return fmt.Errorf("製品一覧取得エラー: %w", err)
	}

	changed := 0
	for _, p := range products {
		availability, err := manager.RecomputeAvailability(ctx, inventory.SystemActor, p.ID)
		if err != nil {
			return fmt.Errorf("製品 %d の可用性再計算エラー: %w", p.ID, err)
		}
		if availability != p.Availability {
			changed++
			logger.Info("在庫可用性を補正しました",
				zap.Int64("product_id", p.ID),
				zap.String("from", string(p.Availability)),
				zap.String("to", string(availability)),
			)
		}
	}

	logger.Info("在庫可用性の再計算が完了しました", zap.Int("products", len(products)), zap.Int("changed", changed))
	return nil
}

// migrator applies SQL files in lexical order, each in its own transaction
type migrator struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// createMigrationTable マイグレーション履歴テーブルを作成
func (m *migrator) createMigrationTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			executed_at TIMESTAMP NOT NULL DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("マイグレーション履歴テーブル作成エラー: %w", err)
	}
	return nil
}

// run マイグレーションを実行し、新たに適用したファイル数を返す
func (m *migrator) run(ctx context.Context, migrationDir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(migrationDir, "*.sql"))
	if err != nil {
		return 0, fmt.Errorf("マイグレーションファイル検索エラー: %w", err)
	}
	if len(files) == 0 {
		m.logger.Warn("マイグレーションファイルが見つかりません", zap.String("dir", migrationDir))
		return 0, nil
	}
	sort.Strings(files)

	executed, err := m.executedMigrations(ctx)
	if err != nil {
		return 0, fmt.Errorf("実行済みマイグレーション取得エラー: %w", err)
	}

	applied := 0

	for _, file := range files {
		filename := filepath.Base(file)

		content, err := os.ReadFile(file)
		if err != nil {
			return applied, fmt.Errorf("ファイル読み込みエラー %s: %w", filename, err)
		}
		checksum := calculateChecksum(content)

		// 既に実行済みかチェック
		if recorded, ok := executed[filename]; ok {
			if recorded != checksum {
				m.logger.Warn("実行済みマイグレーションの内容が変更されています",
					zap.String("file", filename),
					zap.String("recorded", recorded),
					zap.String("current", checksum),
				)
			}
			m.logger.Info("スキップ (実行済み)", zap.String("file", filename))
			continue
		}

		m.logger.Info("実行中", zap.String("file", filename))
		if err := m.apply(ctx, filename, string(content), checksum); err != nil {
			return applied, err
		}
		applied++
		m.logger.Info("完了", zap.String("file", filename))
	}

	return applied, nil
}

func (m *migrator) apply(ctx context.Context, filename, content, checksum string) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始エラー %s: %w", filename, err)
	}

	if _, err := tx.ExecContext(ctx, content); err != nil {
		tx.Rollback()
		return fmt.Errorf("マイグレーション実行エラー %s: %w", filename, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)",
		filename, checksum,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("マイグレーション履歴記録エラー %s: %w", filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションコミットエラー %s: %w", filename, err)
	}
	return nil
}

// executedMigrations 実行済みマイグレーションとチェックサムを取得
func (m *migrator) executedMigrations(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Filename string `db:"filename"`
		Checksum string `db:"checksum"`
	}
	if err := m.db.SelectContext(ctx, &rows, "SELECT filename, checksum FROM schema_migrations"); err != nil {
		return nil, err
	}

	executed := make(map[string]string, len(rows))
	for _, r := range rows {
		executed[r.Filename] = r.Checksum
	}
	return executed, nil
}

// calculateChecksum ファイル内容のSHA-256チェックサムを計算
func calculateChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
