package repomanager

import (
	"context"
	"database/sql"

	"github.com/vmdist/satellite/internal/dbx"
	"github.com/vmdist/satellite/internal/satellite/repositories/blocks"
	"github.com/vmdist/satellite/internal/satellite/repositories/images"
	"github.com/vmdist/satellite/internal/satellite/repositories/lectures"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Images(db dbx.DBTX) images.Repository
	Blocks(db dbx.DBTX) blocks.Repository
	Lectures(db dbx.DBTX) lectures.Repository
}
