package store

import (
	"context"
)

// PayloadDecoder is the persisted face of a registered decoder.
type PayloadDecoder struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Fields      []PayloadField `json:"fields"`
}

type PayloadField struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// EnsureDecoder upserts a decoder row by name and inserts any missing
// field rows. Fields are never removed here: dropping a field would
// cascade into topic links.
func (s *Store) EnsureDecoder(ctx context.Context, name, description string, fields []string) (int64, error) {
	var id int64
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO payload_decoders (name, description)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET description = $2
		RETURNING id
	`, name, description).Scan(&id)
	if err != nil {
		return 0, mapError(err)
	}

	for _, f := range fields {
		_, err := s.Pool.Exec(ctx, `
			INSERT INTO payload_fields (payload_decoder_id, name)
			VALUES ($1, $2)
			ON CONFLICT (payload_decoder_id, name) DO NOTHING
		`, id, f)
		if err != nil {
			return 0, mapError(err)
		}
	}
	return id, nil
}

func (s *Store) GetDecoderByName(ctx context.Context, name string) (PayloadDecoder, error) {
	var d PayloadDecoder
	err := s.Pool.QueryRow(ctx,
		`SELECT id, name, description FROM payload_decoders WHERE name = $1`, name,
	).Scan(&d.ID, &d.Name, &d.Description)
	if err != nil {
		return PayloadDecoder{}, mapError(err)
	}

	d.Fields, err = s.decoderFields(ctx, d.ID)
	if err != nil {
		return PayloadDecoder{}, err
	}
	return d, nil
}

func (s *Store) ListDecoders(ctx context.Context) ([]PayloadDecoder, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, name, description FROM payload_decoders ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PayloadDecoder
	for rows.Next() {
		var d PayloadDecoder
		if err := rows.Scan(&d.ID, &d.Name, &d.Description); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		out[i].Fields, err = s.decoderFields(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) decoderFields(ctx context.Context, decoderID int64) ([]PayloadField, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, name FROM payload_fields WHERE payload_decoder_id = $1 ORDER BY id`, decoderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []PayloadField
	for rows.Next() {
		var f PayloadField
		if err := rows.Scan(&f.ID, &f.Name); err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}
