package pipeline

import (
	"fmt"
	"strconv"

	"github.com/tidevault/tidevault/internal/model"
)

// command describes one client-tool invocation. The password never appears
// in argv; every engine's client reads it from an environment variable.
type command struct {
	bin  string
	args []string
	// env holds KEY=VALUE pairs appended to the subprocess environment.
	env []string
}

// dumpCommand builds the full-dump invocation for a job. The returned
// command streams the dump on stdout for MySQL and PostgreSQL; SQL Server
// writes a .bak server-side (see bakPath handling in Run).
func dumpCommand(job model.BackupJob, password, bakPath string) (command, error) {
	port := strconv.Itoa(job.Port)
	switch job.DatabaseType {
	case model.EngineMySQL:
		return command{
			bin: "mysqldump",
			args: []string{
				"--single-transaction",
				"--routines",
				"--triggers",
				"--events",
				"--set-gtid-purged=OFF",
				"--skip-lock-tables",
				"--quick",
				"--hex-blob",
				"--host=" + job.Host,
				"--port=" + port,
				"--user=" + job.Username,
				job.TargetDatabase,
			},
			env: []string{"MYSQL_PWD=" + password},
		}, nil

	case model.EnginePostgreSQL:
		return command{
			bin: "pg_dump",
			args: []string{
				"--format=plain",
				"--no-owner",
				"--no-privileges",
				"--clean",
				"--if-exists",
				"--host=" + job.Host,
				"--port=" + port,
				"--username=" + job.Username,
				job.TargetDatabase,
			},
			env: []string{"PGPASSWORD=" + password},
		}, nil

	case model.EngineSQLServer:
		stmt := fmt.Sprintf(
			"BACKUP DATABASE [%s] TO DISK = N'%s' WITH FORMAT, INIT, SKIP, STATS = 10",
			job.TargetDatabase, bakPath)
		return command{
			bin: "sqlcmd",
			args: []string{
				"-S", job.Host + "," + port,
				"-U", job.Username,
				"-b",
				"-Q", stmt,
			},
			env: []string{"SQLCMDPASSWORD=" + password},
		}, nil
	}
	return command{}, errorf(KindExecution, nil, "unsupported database type %q", job.DatabaseType)
}

// probeCommand builds the trivial-query invocation used by connection tests.
func probeCommand(engineType model.EngineType, host string, port int, username, password, database string) (command, error) {
	p := strconv.Itoa(port)
	switch engineType {
	case model.EngineMySQL:
		return command{
			bin:  "mysql",
			args: []string{"--host=" + host, "--port=" + p, "--user=" + username, "--protocol=TCP", "-e", "SELECT 1"},
			env:  []string{"MYSQL_PWD=" + password},
		}, nil

	case model.EnginePostgreSQL:
		if database == "" {
			database = "postgres"
		}
		return command{
			bin:  "psql",
			args: []string{"-h", host, "-p", p, "-U", username, "-d", database, "-w", "-c", "SELECT 1"},
			env:  []string{"PGPASSWORD=" + password},
		}, nil

	case model.EngineSQLServer:
		return command{
			bin:  "sqlcmd",
			args: []string{"-S", host + "," + p, "-U", username, "-b", "-Q", "SELECT 1"},
			env:  []string{"SQLCMDPASSWORD=" + password},
		}, nil
	}
	return command{}, errorf(KindExecution, nil, "unsupported database type %q", engineType)
}

// discoveryCommand builds the database-enumeration invocation, one database
// name per output line.
func discoveryCommand(engineType model.EngineType, host string, port int, username, password string) (command, error) {
	p := strconv.Itoa(port)
	switch engineType {
	case model.EngineMySQL:
		return command{
			bin:  "mysql",
			args: []string{"--host=" + host, "--port=" + p, "--user=" + username, "--protocol=TCP", "-N", "-B", "-e", "SHOW DATABASES"},
			env:  []string{"MYSQL_PWD=" + password},
		}, nil

	case model.EnginePostgreSQL:
		return command{
			bin: "psql",
			args: []string{
				"-h", host, "-p", p, "-U", username, "-d", "postgres", "-w", "-t", "-A",
				"-c", "SELECT datname FROM pg_database WHERE datistemplate = false",
			},
			env: []string{"PGPASSWORD=" + password},
		}, nil

	case model.EngineSQLServer:
		return command{
			bin: "sqlcmd",
			args: []string{
				"-S", host + "," + p, "-U", username, "-b", "-h", "-1", "-W",
				"-Q", "SET NOCOUNT ON; SELECT name FROM sys.databases WHERE database_id > 4",
			},
			env: []string{"SQLCMDPASSWORD=" + password},
		}, nil
	}
	return command{}, errorf(KindExecution, nil, "unsupported database type %q", engineType)
}

// fileFormat returns the artifact extension for an engine and compression
// choice. SQL Server backups are always .bak; compression is ignored there.
func fileFormat(engineType model.EngineType, compression bool) string {
	if engineType == model.EngineSQLServer {
		return "bak"
	}
	if compression {
		return "sql.gz"
	}
	return "sql"
}
