// Package telemetry is an ambient, best-effort side channel recording
// ProxyRequest/ProxyUpstreamAttempt rows for the admin surface. Write
// failures here are logged and never affect a proxied response.
package telemetry

import (
	"fmt"
	"log"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type DB struct {
	gorm      *gorm.DB
	dialector string
}

func (d *DB) GormDB() *gorm.DB { return d.gorm }

func (d *DB) Dialector() string { return d.dialector }

// Open connects to the telemetry store named by dsn and migrates its
// schema. Supported schemes: "sqlite://", "postgres://"/"postgresql://",
// "mysql://"; anything else is treated as a bare sqlite file path so
// "-telemetry-dsn ./kiroproxy.db" works without a scheme prefix.
func Open(dsn string) (*DB, error) {
	var dialector gorm.Dialector
	var name string

	switch {
	case strings.HasPrefix(dsn, "mysql://"):
		dialector = mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
		name = "mysql"
		log.Printf("[telemetry] connecting to mysql")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
		name = "postgres"
		log.Printf("[telemetry] connecting to postgres")
	default:
		path := strings.TrimPrefix(dsn, "sqlite://")
		if !strings.Contains(path, "?") {
			path += "?_journal_mode=WAL&_busy_timeout=30000"
		}
		dialector = sqlite.Open(path)
		name = "sqlite"
		log.Printf("[telemetry] using sqlite: %s", path)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening telemetry store: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrapping telemetry sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("pinging telemetry store: %w", err)
	}

	d := &DB{gorm: gormDB, dialector: name}
	if err := d.gorm.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("migrating telemetry schema: %w", err)
	}

	log.Printf("[telemetry] store ready (%s)", name)
	return d, nil
}

func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
