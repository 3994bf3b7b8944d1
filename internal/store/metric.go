package store

import (
	"context"

	"github.com/google/uuid"

	"clinic-scheduler/internal/model"
)

func (s *Store) LogMetric(ctx context.Context, m *model.Metric) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = model.MetricSuccess
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO logs_metricas (id, cliente_id, event_id, tipo_metrica, status, detalhes)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 RETURNING criado_em, atualizado_em`,
		m.ID, m.ClientID, m.EventID, m.Type, m.Status, m.Details,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
}

// Metrics lists the most recent audit rows for a client, newest first.
func (s *Store) Metrics(ctx context.Context, clientID string, limit int) ([]model.Metric, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, cliente_id, event_id, tipo_metrica, status, detalhes, criado_em, atualizado_em
		 FROM logs_metricas
		 WHERE cliente_id = $1
		 ORDER BY criado_em DESC
		 LIMIT $2`, clientID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Metric
	for rows.Next() {
		var m model.Metric
		if err := rows.Scan(
			&m.ID, &m.ClientID, &m.EventID, &m.Type, &m.Status, &m.Details, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
