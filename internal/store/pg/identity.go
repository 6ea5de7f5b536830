package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"veriam.dev/internal/identity"
	"veriam.dev/internal/ids"
)

var _ identity.Store = (*Store)(nil)

// Principals ----------------------------------------------------------------

const principalColumns = `id, username, email, password_hash, provider, created_at, updated_at`

func scanPrincipal(row interface{ Scan(...any) error }) (*identity.Principal, error) {
	var p identity.Principal
	err := row.Scan(&p.ID, &p.Username, &p.Email, &p.PasswordHash, &p.Provider, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) FindPrincipalByUsername(ctx context.Context, username string) (*identity.Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where username=$1`, username)
	return scanPrincipal(row)
}

func (s *Store) FindPrincipalByID(ctx context.Context, id string) (*identity.Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where id=$1`, id)
	return scanPrincipal(row)
}

func (s *Store) CreatePrincipal(ctx context.Context, p *identity.Principal) error {
	if p.ID == "" {
		p.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into principals (id, username, email, password_hash, provider)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, p.ID, p.Username, p.Email, p.PasswordHash, p.Provider)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return mapDuplicate(err)
	}
	return nil
}

func (s *Store) UpdatePrincipal(ctx context.Context, p *identity.Principal) error {
	res, err := s.db.ExecContext(ctx, `
		update principals
		set username=$2, email=$3, password_hash=$4, provider=$5, updated_at=now()
		where id=$1
	`, p.ID, p.Username, p.Email, p.PasswordHash, p.Provider)
	if err != nil {
		return mapDuplicate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) DeletePrincipal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from principals where id=$1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// Applications and roles ----------------------------------------------------

func (s *Store) FindApplication(ctx context.Context, name string) (*identity.Application, error) {
	var app identity.Application
	err := s.db.QueryRowContext(ctx, `
		select name, active, sync_allowed, coalesce(sync_default_role, ''), created_at
		from applications where name=$1
	`, name).Scan(&app.Name, &app.Active, &app.Sync.Allowed, &app.Sync.DefaultRole, &app.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *Store) FindRole(ctx context.Context, application, name string) (*identity.Role, error) {
	var role identity.Role
	err := s.db.QueryRowContext(ctx, `
		select application, name from roles where application=$1 and name=$2
	`, application, name).Scan(&role.Application, &role.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// Grants --------------------------------------------------------------------

func (s *Store) CurrentRoles(ctx context.Context, principalID, application string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select role from role_grants
		where principal_id=$1 and application=$2
		  and (expires_at is null or expires_at > now())
		order by role
	`, principalID, application)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) AllCurrentRoles(ctx context.Context, principalID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select application, role from role_grants
		where principal_id=$1
		  and (expires_at is null or expires_at > now())
		order by application, role
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var app, role string
		if err := rows.Scan(&app, &role); err != nil {
			return nil, err
		}
		out[app] = append(out[app], role)
	}
	return out, rows.Err()
}

func (s *Store) UpsertGrant(ctx context.Context, g identity.Grant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_grants (principal_id, application, role, granted_by, granted_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (principal_id, application, role) do update
		set granted_by = excluded.granted_by,
		    granted_at = excluded.granted_at,
		    expires_at = excluded.expires_at
	`, g.PrincipalID, g.Application, g.Role, g.GrantedBy, g.GrantedAt, g.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return identity.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) DeleteGrant(ctx context.Context, principalID, application, role string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from role_grants where principal_id=$1 and application=$2 and role=$3
	`, principalID, application, role)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteGrantsByApplication(ctx context.Context, principalID, application string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from role_grants where principal_id=$1 and application=$2
	`, principalID, application)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteAllGrants(ctx context.Context, principalID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from role_grants where principal_id=$1`, principalID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func mapDuplicate(err error) error {
	pgErr, ok := maybePgError(err)
	if !ok || pgErr.Code != pgErrUniqueViolation {
		return err
	}
	if strings.Contains(pgErr.ConstraintName, "email") {
		return identity.ErrDuplicateEmail
	}
	return identity.ErrDuplicateUsername
}
