package repo

import (
	"context"
	"database/sql"

	"studioline/internal/domain"
)

const skillColumns = `skill_key,name,stage,channel,input_schema_json,output_schema_json,prompt,enabled,updated_at`

func scanSkill(scan func(dest ...any) error) (domain.SkillDefinition, error) {
	var def domain.SkillDefinition
	var channel sql.NullString
	var enabled int
	err := scan(&def.SkillKey, &def.Name, &def.Stage, &channel, &def.InputSchema, &def.OutputSchema, &def.Prompt, &enabled, &def.UpdatedAt)
	if err == sql.ErrNoRows {
		return def, ErrNotFound
	}
	if err != nil {
		return def, err
	}
	if channel.Valid {
		def.Channel = channel.String
	}
	def.Enabled = enabled != 0
	return def, nil
}

func (r Repo) UpsertSkill(ctx context.Context, def domain.SkillDefinition) error {
	enabled := 0
	if def.Enabled {
		enabled = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO skills(`+skillColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(skill_key) DO UPDATE SET name=excluded.name, stage=excluded.stage, channel=excluded.channel,
		input_schema_json=excluded.input_schema_json, output_schema_json=excluded.output_schema_json,
		prompt=excluded.prompt, enabled=excluded.enabled, updated_at=excluded.updated_at`,
		def.SkillKey, def.Name, def.Stage, nullable(def.Channel), def.InputSchema, def.OutputSchema, def.Prompt, enabled, def.UpdatedAt)
	return err
}

func (r Repo) GetSkill(ctx context.Context, skillKey string) (domain.SkillDefinition, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE skill_key=?`, skillKey)
	return scanSkill(row.Scan)
}

func (r Repo) ListSkills(ctx context.Context) ([]domain.SkillDefinition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+skillColumns+` FROM skills ORDER BY skill_key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SkillDefinition
	for rows.Next() {
		def, err := scanSkill(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, def)
	}
	return res, rows.Err()
}

func (r Repo) DeleteSkill(ctx context.Context, skillKey string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM skills WHERE skill_key=?`, skillKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
