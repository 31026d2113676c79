package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE records (
				record_id VARCHAR(64) PRIMARY KEY,
				kind VARCHAR(64) NOT NULL,
				schema_id VARCHAR(255) NOT NULL,
				version BIGINT NOT NULL CHECK (version >= 1),
				data JSONB NOT NULL,
				message TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_records_kind ON records(kind);
			CREATE INDEX idx_records_kind_record_id ON records(kind, record_id);
		`,
		2: `
			CREATE INDEX idx_records_execution_run_status ON records((data->>'status')) WHERE kind = 'execution-run';
			CREATE INDEX idx_records_execution_run_robot_plan ON records((data->>'robot_plan_ref')) WHERE kind = 'execution-run';
		`,
	}
}
