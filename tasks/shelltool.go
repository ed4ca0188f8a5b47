package tasks

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// shellToolBackend drives the workflow_tasks table through the sqlcmd
// client. It exists for hosts where no database driver can be loaded
// but the vendor tooling is present.
type shellToolBackend struct {
	cfg Config
}

func newShellToolBackend(cfg Config) *shellToolBackend {
	return &shellToolBackend{cfg: cfg}
}

func (b *shellToolBackend) Name() string { return BackendShellTool }

func escapeTSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (b *shellToolBackend) run(query string) (string, error) {
	args := []string{
		"-S", fmt.Sprintf("%s,%d", b.cfg.SQLHost, b.cfg.SQLPort),
		"-d", b.cfg.SQLDatabase,
		"-W", "-h", "-1",
		"-Q", query,
		"-U", b.cfg.SQLUser,
		"-P", b.cfg.SQLPassword,
	}
	out, err := exec.Command("sqlcmd", args...).Output()
	if err != nil {
		return "", fmt.Errorf("run sqlcmd: %w", err)
	}
	return string(out), nil
}

func (b *shellToolBackend) Probe() bool {
	out, err := b.run("SET NOCOUNT ON; SELECT CASE WHEN OBJECT_ID('dbo.workflow_tasks','U') IS NULL THEN 0 ELSE 1 END AS ok_flag;")
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.TrimSpace(out), "1")
}

func (b *shellToolBackend) Upsert(t Task) error {
	q := fmt.Sprintf(
		"SET NOCOUNT ON; IF EXISTS (SELECT 1 FROM dbo.workflow_tasks WHERE task_id=N'%[1]s') "+
			"BEGIN UPDATE dbo.workflow_tasks SET tenant_id=N'%[2]s',operator=N'%[3]s',status=N'%[4]s',"+
			"created_at_epoch=%[5]d,updated_at_epoch=%[6]d,result_json=N'%[7]s',error=N'%[8]s',source=N'sift' "+
			"WHERE task_id=N'%[1]s'; END ELSE BEGIN "+
			"INSERT INTO dbo.workflow_tasks (task_id,tenant_id,operator,status,created_at_epoch,updated_at_epoch,result_json,error,source) "+
			"VALUES (N'%[1]s',N'%[2]s',N'%[3]s',N'%[4]s',%[5]d,%[6]d,N'%[7]s',N'%[8]s',N'sift'); END",
		escapeTSQL(t.TaskID), escapeTSQL(t.TenantID), escapeTSQL(t.Operator), escapeTSQL(string(t.Status)),
		t.CreatedAt, t.UpdatedAt, escapeTSQL(string(t.Result)), escapeTSQL(t.Error))
	_, err := b.run(q)
	return err
}

func (b *shellToolBackend) Get(taskID string) (*Task, error) {
	q := fmt.Sprintf(
		"SET NOCOUNT ON; SELECT TOP 1 task_id,tenant_id,operator,status,created_at_epoch,updated_at_epoch,result_json,error "+
			"FROM dbo.workflow_tasks WHERE task_id=N'%s' FOR JSON PATH, WITHOUT_ARRAY_WRAPPER;",
		escapeTSQL(taskID))
	out, err := b.run(q)
	if err != nil {
		return nil, err
	}
	body := strings.TrimSpace(out)
	if body == "" {
		return nil, fmt.Errorf("task not found")
	}
	var row runtimeRow
	if err := json.Unmarshal([]byte(body), &row); err != nil {
		return nil, fmt.Errorf("parse sqlcmd row: %w", err)
	}
	if row.TaskID == "" {
		return nil, fmt.Errorf("task not found")
	}
	return fromRuntimeRow(row), nil
}

func (b *shellToolBackend) Cancel(taskID string) (*CancelOutcome, error) {
	q := fmt.Sprintf(
		"SET NOCOUNT ON; UPDATE dbo.workflow_tasks SET status=N'cancelled',updated_at_epoch=%d "+
			"WHERE task_id=N'%s' AND status IN (N'queued',N'running'); "+
			"SELECT TOP 1 task_id,status FROM dbo.workflow_tasks WHERE task_id=N'%s' FOR JSON PATH, WITHOUT_ARRAY_WRAPPER;",
		nowEpoch(), escapeTSQL(taskID), escapeTSQL(taskID))
	out, err := b.run(q)
	if err != nil {
		return nil, err
	}
	var row struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &row); err != nil {
		return nil, fmt.Errorf("parse sqlcmd cancel row: %w", err)
	}
	return &CancelOutcome{
		OK:        true,
		TaskID:    row.TaskID,
		Cancelled: row.Status == string(StatusCancelled),
		Status:    Status(row.Status),
	}, nil
}
