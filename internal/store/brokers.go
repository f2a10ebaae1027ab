package store

import (
	"context"
)

// Broker is an MQTT endpoint. ProtocolVersion selects the client stack
// ("3.1", "3.1.1" or "5"), Transport is "tcp" or "websockets".
// TLSCertificate holds the CA or server certificate as PEM text; it is
// materialized to disk before connecting.
type Broker struct {
	ID              int64  `json:"id"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ProtocolVersion string `json:"protocol_version"`
	Transport       string `json:"transport"`
	IsAuthRequired  bool   `json:"is_auth_required"`
	UseTLS          bool   `json:"use_tls"`
	TLSVersion      string `json:"tls_version,omitempty"`
	TLSVerifyMode   string `json:"tls_verifymode,omitempty"`
	TLSCertificate  string `json:"tls_certificate,omitempty"`
}

const brokerColumns = `id, host, port, protocol_version, transport, is_auth_required, use_tls, tls_version, tls_verifymode, tls_certificate`

func scanBroker(row interface{ Scan(...any) error }) (Broker, error) {
	var b Broker
	err := row.Scan(&b.ID, &b.Host, &b.Port, &b.ProtocolVersion, &b.Transport,
		&b.IsAuthRequired, &b.UseTLS, &b.TLSVersion, &b.TLSVerifyMode, &b.TLSCertificate)
	return b, err
}

func (s *Store) CreateBroker(ctx context.Context, b Broker) (Broker, error) {
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO brokers (host, port, protocol_version, transport, is_auth_required, use_tls, tls_version, tls_verifymode, tls_certificate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, b.Host, b.Port, b.ProtocolVersion, b.Transport, b.IsAuthRequired,
		b.UseTLS, b.TLSVersion, b.TLSVerifyMode, b.TLSCertificate).Scan(&b.ID)
	if err != nil {
		return Broker{}, mapError(err)
	}
	return b, nil
}

func (s *Store) GetBroker(ctx context.Context, id int64) (Broker, error) {
	b, err := scanBroker(s.Pool.QueryRow(ctx,
		`SELECT `+brokerColumns+` FROM brokers WHERE id = $1`, id))
	if err != nil {
		return Broker{}, mapError(err)
	}
	return b, nil
}

func (s *Store) ListBrokers(ctx context.Context) ([]Broker, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+brokerColumns+` FROM brokers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Broker
	for rows.Next() {
		b, err := scanBroker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) UpdateBroker(ctx context.Context, b Broker) (Broker, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE brokers
		SET host = $2, port = $3, protocol_version = $4, transport = $5,
		    is_auth_required = $6, use_tls = $7, tls_version = $8,
		    tls_verifymode = $9, tls_certificate = $10
		WHERE id = $1
	`, b.ID, b.Host, b.Port, b.ProtocolVersion, b.Transport,
		b.IsAuthRequired, b.UseTLS, b.TLSVersion, b.TLSVerifyMode, b.TLSCertificate)
	if err != nil {
		return Broker{}, mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return Broker{}, ErrNotFound
	}
	return b, nil
}

// DeleteBroker fails with ErrReferenced while subscribers point at the
// broker; topic attachments go with it.
func (s *Store) DeleteBroker(ctx context.Context, id int64) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM brokers WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
