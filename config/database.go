package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var db *gorm.DB

func GetDB() *gorm.DB {
	return db
}

// SetDB swaps the global handle; used by CLI jobs and tests that open their own connection.
func SetDB(d *gorm.DB) {
	db = d
}

func init() {
	// Connecting is left to main(), which opens the port first.
	_ = godotenv.Load()
}

// DBOptions is the MySQL connection and pool configuration.
type DBOptions struct {
	User     string
	Password string
	// Host may be a /cloudsql/<instance> socket path.
	Host string
	Port string
	Name string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DBOptionsFromEnv() DBOptions {
	return DBOptions{
		User:            os.Getenv("DB_USER"),
		Password:        os.Getenv("DB_PASSWORD"),
		Host:            os.Getenv("DB_HOST"),
		Port:            os.Getenv("DB_PORT"),
		Name:            os.Getenv("DB_NAME"),
		MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 50),
		MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 25),
		ConnMaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		ConnMaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
	}
}

// DSN always asks for UTC so week boundaries and purchase times compare without conversion.
func (o DBOptions) DSN() string {
	network, address := "tcp", fmt.Sprintf("%s:%s", o.Host, o.Port)
	if strings.HasPrefix(o.Host, "/cloudsql/") {
		network, address = "unix", o.Host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true&loc=UTC&charset=utf8mb4",
		o.User, o.Password, network, address, o.Name)
}

// OpenDatabase opens one connection pool with tracing installed. It does not touch the global handle.
func OpenDatabase(o DBOptions) (*gorm.DB, error) {
	conn, err := gorm.Open(mysql.Open(o.DSN()), &gorm.Config{
		Logger:         gormLogger(),
		NamingStrategy: &schema.NamingStrategy{SingularTable: false},
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if o.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(o.MaxIdleConns)
	}
	if o.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(o.ConnMaxLifetime)
	}
	if o.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(o.ConnMaxIdleTime)
	}
	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		LogError(GetLogger(), "database.go", "OpenDatabase", "install otelgorm plugin", o.Name, err)
	}
	return conn, nil
}

// ConnectDatabaseWithRetry blocks until MySQL answers, then installs the global handle.
func ConnectDatabaseWithRetry() {
	opts := DBOptionsFromEnv()
	for attempt := 1; ; attempt++ {
		conn, err := OpenDatabase(opts)
		if err == nil {
			SetDB(conn)
			LogInfo(GetLogger(), "database.go", "ConnectDatabaseWithRetry", "connected to database",
				map[string]interface{}{"attempt": attempt, "db": opts.Name})
			return
		}
		sleep := backoffFor(attempt)
		GetLogger().WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
			"retry":   sleep.String(),
		}).Warn("failed to connect database: " + err.Error())
		time.Sleep(sleep)
	}
}

// backoffFor doubles from 2s and caps at 30s.
func backoffFor(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	sleep := time.Second << attempt
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GORM_LOG_LEVEL: silent, error (default), warn or info.
func gormLogger() logger.Interface {
	level := logger.Error
	switch strings.ToLower(strings.TrimSpace(os.Getenv("GORM_LOG_LEVEL"))) {
	case "silent":
		level = logger.Silent
	case "warn":
		level = logger.Warn
	case "info":
		level = logger.Info
	}
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			LogLevel:                  level,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}
