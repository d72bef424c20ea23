package premigrations

import (
	migrate "github.com/rubenv/sql-migrate"

	"github.com/tigrisdata/bbm/migrator/datastore/migrations"
)

func init() {
	m := &migrations.Migration{
		Migration: &migrate.Migration{
			Id: "20251019090000_create_batched_background_migration_tables",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS batched_background_migrations (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					name text NOT NULL,
					job_name text NOT NULL,
					table_name text NOT NULL,
					key_columns jsonb NOT NULL,
					job_arguments jsonb NOT NULL DEFAULT '{}',
					status smallint NOT NULL DEFAULT 1,
					batch_size integer NOT NULL,
					sub_batch_size integer NOT NULL,
					min_batch_size integer NOT NULL,
					max_batch_size integer NOT NULL,
					job_interval_ms bigint NOT NULL,
					max_attempts integer NOT NULL DEFAULT 3,
					pause_ms bigint NOT NULL DEFAULT 0,
					target_duration_ms bigint NOT NULL DEFAULT 0,
					track_jobs boolean NOT NULL DEFAULT FALSE,
					plan_ahead integer NOT NULL DEFAULT 0,
					chunk_commits boolean NOT NULL DEFAULT FALSE,
					next_cursor bytea,
					max_cursor bytea,
					total_tuple_count bigint,
					failure_error_code smallint,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					updated_at timestamp WITH time zone,
					finished_at timestamp WITH time zone,
					CONSTRAINT pk_batched_background_migrations PRIMARY KEY (id),
					CONSTRAINT unique_batched_background_migrations_name UNIQUE (name),
					CONSTRAINT check_batched_background_migrations_batch_size_positive CHECK (batch_size > 0),
					CONSTRAINT check_batched_background_migrations_sub_batch_size_positive CHECK (sub_batch_size > 0),
					CONSTRAINT check_batched_background_migrations_max_attempts_positive CHECK (max_attempts > 0)
				)`,
				`CREATE INDEX IF NOT EXISTS index_batched_background_migrations_on_job_name_and_table_name
					ON batched_background_migrations USING btree (job_name, table_name)`,
				`CREATE TABLE IF NOT EXISTS batched_background_migration_jobs (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					batched_background_migration_id bigint NOT NULL,
					min_cursor bytea NOT NULL,
					max_cursor bytea NOT NULL,
					batch_size integer NOT NULL,
					sub_batch_size integer NOT NULL,
					status smallint NOT NULL DEFAULT 0,
					attempts integer NOT NULL DEFAULT 0,
					started_at timestamp WITH time zone,
					finished_at timestamp WITH time zone,
					duration_ms bigint,
					rows_affected bigint,
					last_error text,
					failure_error_code smallint,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					updated_at timestamp WITH time zone,
					CONSTRAINT pk_batched_background_migration_jobs PRIMARY KEY (id),
					CONSTRAINT fk_batched_background_migration_jobs_bbm_id_bbms FOREIGN KEY (batched_background_migration_id)
						REFERENCES batched_background_migrations (id) ON DELETE CASCADE,
					CONSTRAINT unique_batched_background_migration_jobs_bbm_id_and_min_cursor UNIQUE (batched_background_migration_id, min_cursor),
					CONSTRAINT check_batched_background_migration_jobs_cursor_range CHECK (min_cursor <= max_cursor)
				)`,
				`CREATE INDEX IF NOT EXISTS index_batched_background_migration_jobs_on_bbm_id_and_status_and_id
					ON batched_background_migration_jobs USING btree (batched_background_migration_id, status, id)`,
				`CREATE TABLE IF NOT EXISTS batched_background_migration_job_transition_logs (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					job_id bigint NOT NULL,
					previous_status smallint NOT NULL,
					next_status smallint NOT NULL,
					exception_message text,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_batched_background_migration_job_transition_logs PRIMARY KEY (id),
					CONSTRAINT fk_batched_background_migration_job_transition_logs_job_id FOREIGN KEY (job_id)
						REFERENCES batched_background_migration_jobs (id) ON DELETE CASCADE
				)`,
				`CREATE INDEX IF NOT EXISTS index_batched_background_migration_job_transition_logs_on_job_id
					ON batched_background_migration_job_transition_logs USING btree (job_id)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS batched_background_migration_job_transition_logs CASCADE",
				"DROP TABLE IF EXISTS batched_background_migration_jobs CASCADE",
				"DROP TABLE IF EXISTS batched_background_migrations CASCADE",
			},
		},
	}

	migrations.AppendPreMigration(m)
}
