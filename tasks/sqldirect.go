package tasks

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/microsoft/go-mssqldb"
)

// sqlBackend talks to the workflow_tasks table through the SQL Server
// driver directly. It serves the `native-odbc` selector: same table,
// same row projection, no shell tool in between.
type sqlBackend struct {
	dsn string
}

func newSQLBackend(cfg Config) *sqlBackend {
	u := &url.URL{
		Scheme: "sqlserver",
		Host:   fmt.Sprintf("%s:%d", cfg.SQLHost, cfg.SQLPort),
	}
	if cfg.SQLUser != "" {
		u.User = url.UserPassword(cfg.SQLUser, cfg.SQLPassword)
	}
	q := url.Values{}
	q.Set("database", cfg.SQLDatabase)
	q.Set("encrypt", "disable")
	u.RawQuery = q.Encode()
	return &sqlBackend{dsn: u.String()}
}

func (b *sqlBackend) Name() string { return BackendNativeODBC }

func (b *sqlBackend) open() (*sql.DB, error) {
	db, err := sql.Open("sqlserver", b.dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlserver: %w", err)
	}
	db.SetConnMaxLifetime(time.Minute)
	return db, nil
}

func (b *sqlBackend) Probe() bool {
	db, err := b.open()
	if err != nil {
		return false
	}
	defer db.Close()
	var ok int
	err = db.QueryRow("SELECT CASE WHEN OBJECT_ID('dbo.workflow_tasks','U') IS NULL THEN 0 ELSE 1 END").Scan(&ok)
	return err == nil && ok == 1
}

func (b *sqlBackend) Upsert(t Task) error {
	db, err := b.open()
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(`
		IF EXISTS (SELECT 1 FROM dbo.workflow_tasks WHERE task_id=@p1)
			UPDATE dbo.workflow_tasks
			SET tenant_id=@p2, operator=@p3, status=@p4,
			    created_at_epoch=@p5, updated_at_epoch=@p6,
			    result_json=@p7, error=@p8, source=@p9
			WHERE task_id=@p1
		ELSE
			INSERT INTO dbo.workflow_tasks (task_id,tenant_id,operator,status,created_at_epoch,updated_at_epoch,result_json,error,source)
			VALUES (@p1,@p2,@p3,@p4,@p5,@p6,@p7,@p8,@p9)`,
		t.TaskID, t.TenantID, t.Operator, string(t.Status),
		t.CreatedAt, t.UpdatedAt, string(t.Result), t.Error, "sift")
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (b *sqlBackend) Get(taskID string) (*Task, error) {
	db, err := b.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	var row runtimeRow
	var resultJSON, errText sql.NullString
	err = db.QueryRow(`
		SELECT TOP 1 task_id, tenant_id, operator, status, created_at_epoch, updated_at_epoch, result_json, error
		FROM dbo.workflow_tasks WHERE task_id=@p1`, taskID).Scan(
		&row.TaskID, &row.TenantID, &row.Operator, &row.Status,
		&row.CreatedAtEpoch, &row.UpdatedAtEpoch, &resultJSON, &errText)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	row.ResultJSON = resultJSON.String
	row.Error = errText.String
	return fromRuntimeRow(row), nil
}

func (b *sqlBackend) Cancel(taskID string) (*CancelOutcome, error) {
	db, err := b.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if _, err := db.Exec(`
		UPDATE dbo.workflow_tasks SET status=N'cancelled', updated_at_epoch=@p1
		WHERE task_id=@p2 AND status IN (N'queued', N'running')`,
		nowEpoch(), taskID); err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	var status string
	if err := db.QueryRow(
		"SELECT TOP 1 status FROM dbo.workflow_tasks WHERE task_id=@p1", taskID).Scan(&status); err != nil {
		return nil, fmt.Errorf("cancel status: %w", err)
	}
	return &CancelOutcome{
		OK:        true,
		TaskID:    taskID,
		Cancelled: status == string(StatusCancelled),
		Status:    Status(status),
	}, nil
}
