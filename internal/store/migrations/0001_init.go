package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// run mirrors internal/store.Run for the purposes of AutoMigrate; it is kept
// separate from the store's own type so the migration's schema is pinned
// independently of any future changes to the in-process model.
type run struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunnableKind     string            `gorm:"type:text;not null;index:idx_runs_kind_runnable"`
	RunnableID       string            `gorm:"type:text;not null;index:idx_runs_kind_runnable"`
	Status           string            `gorm:"type:text;not null;index"`
	RequesterSubject string            `gorm:"type:text;index"`
	LaunchRequestID  string            `gorm:"type:text;uniqueIndex"`
	InputVariables   datatypes.JSON    `gorm:"type:jsonb"`
	OutputData       datatypes.JSON    `gorm:"type:jsonb"`
	ErrorMessage     *string           `gorm:"type:text"`
	WorkerHandle     *string           `gorm:"type:text"`
	SubmittedAt      time.Time         `gorm:"type:timestamptz;not null"`
	StartedAt        *time.Time        `gorm:"type:timestamptz"`
	EndedAt          *time.Time        `gorm:"type:timestamptz"`
	Meta             datatypes.JSONMap `gorm:"type:jsonb"`
}

func (run) TableName() string { return "runs" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(&run{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(&run{})
}
