package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"verduleria/internal/domain"
	"verduleria/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Table and column names keep the shop's original Spanish schema so
// existing reporting queries keep working against the same database.
func (s *Store) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS categorias (
			id BIGSERIAL PRIMARY KEY,
			nombre TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS unidades (
			id BIGSERIAL PRIMARY KEY,
			nombre TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS productos (
			id BIGSERIAL PRIMARY KEY,
			nombre TEXT NOT NULL,
			precio DOUBLE PRECISION NOT NULL,
			stock DOUBLE PRECISION NOT NULL DEFAULT 0,
			stock_defectuoso DOUBLE PRECISION NOT NULL DEFAULT 0,
			categoria_id BIGINT REFERENCES categorias(id),
			unidad_id BIGINT REFERENCES unidades(id),
			CHECK (stock_defectuoso >= 0 AND stock_defectuoso <= stock)
		)`,
		`CREATE TABLE IF NOT EXISTS proveedores (
			id BIGSERIAL PRIMARY KEY,
			nombre TEXT NOT NULL,
			telefono TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS ingresos_stock (
			id BIGSERIAL PRIMARY KEY,
			producto_id BIGINT NOT NULL REFERENCES productos(id),
			proveedor_id BIGINT REFERENCES proveedores(id),
			cantidad DOUBLE PRECISION NOT NULL CHECK (cantidad > 0),
			precio_unitario DOUBLE PRECISION NOT NULL DEFAULT 0,
			fecha TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ofertas (
			id BIGSERIAL PRIMARY KEY,
			nombre TEXT NOT NULL,
			descripcion TEXT NOT NULL DEFAULT '',
			fecha_inicio TIMESTAMPTZ NOT NULL,
			fecha_fin TIMESTAMPTZ NOT NULL,
			tipo_oferta TEXT NOT NULL,
			descuento_global DOUBLE PRECISION NOT NULL DEFAULT 0,
			activo BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS oferta_productos (
			id BIGSERIAL PRIMARY KEY,
			oferta_id BIGINT NOT NULL REFERENCES ofertas(id) ON DELETE CASCADE,
			producto_id BIGINT NOT NULL REFERENCES productos(id) ON DELETE CASCADE,
			precio_oferta DOUBLE PRECISION,
			cantidad_minima DOUBLE PRECISION,
			descuento_porcentaje DOUBLE PRECISION
		)`,
		`CREATE TABLE IF NOT EXISTS carritos_pendientes (
			id BIGSERIAL PRIMARY KEY,
			propietario TEXT NOT NULL,
			nombre TEXT NOT NULL,
			total DOUBLE PRECISION NOT NULL,
			creado_en TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS carrito_pendiente_lineas (
			id BIGSERIAL PRIMARY KEY,
			carrito_id BIGINT NOT NULL REFERENCES carritos_pendientes(id) ON DELETE CASCADE,
			producto_id BIGINT NOT NULL REFERENCES productos(id),
			cantidad DOUBLE PRECISION NOT NULL,
			precio_unitario DOUBLE PRECISION NOT NULL,
			subtotal DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ventas (
			id BIGSERIAL PRIMARY KEY,
			fecha TIMESTAMPTZ NOT NULL,
			total DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS detalle_ventas (
			id BIGSERIAL PRIMARY KEY,
			venta_id BIGINT NOT NULL REFERENCES ventas(id),
			producto_id BIGINT NOT NULL,
			cantidad DOUBLE PRECISION NOT NULL,
			subtotal DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pagos_venta (
			id BIGSERIAL PRIMARY KEY,
			venta_id BIGINT NOT NULL REFERENCES ventas(id),
			metodo TEXT NOT NULL,
			monto DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usuarios (
			id BIGSERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			creado_en TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			accion TEXT NOT NULL,
			entidad TEXT NOT NULL,
			entidad_id TEXT NOT NULL,
			detalle TEXT NOT NULL DEFAULT '',
			creado_en TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nombre, precio, stock, stock_defectuoso,
		       COALESCE(categoria_id, 0), COALESCE(unidad_id, 0)
		FROM productos
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.DefectiveStock, &p.CategoryID, &p.UnitID); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, nombre, precio, stock, stock_defectuoso,
		       COALESCE(categoria_id, 0), COALESCE(unidad_id, 0)
		FROM productos
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.DefectiveStock, &p.CategoryID, &p.UnitID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrProductNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nombre, precio, stock, stock_defectuoso,
		       COALESCE(categoria_id, 0), COALESCE(unidad_id, 0)
		FROM productos
		WHERE nombre ILIKE '%' || $1 || '%'
		ORDER BY nombre
		LIMIT $2
	`, strings.TrimSpace(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, limit)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.DefectiveStock, &p.CategoryID, &p.UnitID); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price <= 0 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO productos (nombre, precio, stock, stock_defectuoso, categoria_id, unidad_id)
		VALUES ($1, $2, $3, 0, NULLIF($4, 0), NULLIF($5, 0))
		RETURNING id
	`, product.Name, product.Price, product.Stock, product.CategoryID, product.UnitID).Scan(&product.ID)
	if err != nil {
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price <= 0 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}
	if product.DefectiveStock < 0 || product.DefectiveStock > product.Stock {
		return nil, store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE productos
		SET nombre = $2, precio = $3, stock = $4, stock_defectuoso = $5,
		    categoria_id = NULLIF($6, 0), unidad_id = NULLIF($7, 0)
		WHERE id = $1
	`, product.ID, product.Name, product.Price, product.Stock, product.DefectiveStock, product.CategoryID, product.UnitID)
	if err != nil {
		return nil, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, store.ErrProductNotFound
	}
	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM productos WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrProductNotFound
	}
	return nil
}

func (s *Store) RecordStockIntake(ctx context.Context, intake domain.StockIntake) (*domain.StockIntake, error) {
	if intake.Quantity <= 0 {
		return nil, store.ErrInvalidQuantity
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		UPDATE productos SET stock = stock + $2 WHERE id = $1 RETURNING nombre
	`, intake.ProductID, intake.Quantity).Scan(&intake.ProductName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrProductNotFound
		}
		return nil, err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO ingresos_stock (producto_id, proveedor_id, cantidad, precio_unitario, fecha)
		VALUES ($1, NULLIF($2, 0::BIGINT), $3, $4, $5) RETURNING id
	`, intake.ProductID, intake.SupplierID, intake.Quantity, intake.UnitPrice, intake.Date).Scan(&intake.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &intake, nil
}

func (s *Store) ListStockIntakes(ctx context.Context, supplierID int64) ([]domain.StockIntake, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.producto_id, p.nombre, COALESCE(i.proveedor_id, 0),
		       i.cantidad, i.precio_unitario, i.fecha
		FROM ingresos_stock i
		JOIN productos p ON p.id = i.producto_id
		WHERE $1 = 0::BIGINT OR i.proveedor_id = $1
		ORDER BY i.fecha DESC, i.id DESC
	`, supplierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	intakes := make([]domain.StockIntake, 0, 8)
	for rows.Next() {
		var intake domain.StockIntake
		err := rows.Scan(&intake.ID, &intake.ProductID, &intake.ProductName,
			&intake.SupplierID, &intake.Quantity, &intake.UnitPrice, &intake.Date)
		if err != nil {
			return nil, err
		}
		intakes = append(intakes, intake)
	}
	return intakes, rows.Err()
}

func (s *Store) SetDefectiveStock(ctx context.Context, productID int64, qty float64) error {
	if qty < 0 {
		return store.ErrInvalidQuantity
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE productos SET stock_defectuoso = $2 WHERE id = $1 AND stock >= $2
	`, productID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing product from a quantity above stock.
		if _, err := s.GetProduct(ctx, productID); err != nil {
			return err
		}
		return store.ErrInvalidQuantity
	}
	return nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, nombre FROM categorias ORDER BY nombre`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *Store) ListUnits(ctx context.Context) ([]domain.Unit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, nombre FROM unidades ORDER BY nombre`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	units := make([]domain.Unit, 0, 8)
	for rows.Next() {
		var u domain.Unit
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *Store) CreateOffer(ctx context.Context, offer domain.Offer, links []domain.OfferProduct) (*domain.Offer, error) {
	if offer.Name == "" || offer.Kind == "" || !offer.EndsAt.After(offer.StartsAt) {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO ofertas (nombre, descripcion, fecha_inicio, fecha_fin, tipo_oferta, descuento_global, activo)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, offer.Name, offer.Description, offer.StartsAt, offer.EndsAt, offer.Kind, offer.GlobalDiscountPct, offer.Active).Scan(&offer.ID)
	if err != nil {
		return nil, err
	}

	if err := insertOfferLinks(ctx, tx, offer, links); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := offer
	return &created, nil
}

func insertOfferLinks(ctx context.Context, tx *sql.Tx, offer domain.Offer, links []domain.OfferProduct) error {
	for _, link := range links {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO oferta_productos (oferta_id, producto_id, precio_oferta, cantidad_minima, descuento_porcentaje)
			VALUES ($1, $2, NULLIF($3, 0.0), NULLIF($4, 0.0), NULLIF($5, 0.0))
		`, offer.ID, link.ProductID, link.FixedPrice, link.MinQuantity, link.DiscountPct)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetOffer(ctx context.Context, id int64) (*domain.Offer, []domain.OfferProduct, error) {
	var offer domain.Offer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, nombre, descripcion, fecha_inicio, fecha_fin, tipo_oferta, descuento_global, activo
		FROM ofertas
		WHERE id = $1
	`, id).Scan(&offer.ID, &offer.Name, &offer.Description, &offer.StartsAt, &offer.EndsAt, &offer.Kind, &offer.GlobalDiscountPct, &offer.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, producto_id, COALESCE(precio_oferta, 0), COALESCE(cantidad_minima, 0), COALESCE(descuento_porcentaje, 0)
		FROM oferta_productos
		WHERE oferta_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	links := make([]domain.OfferProduct, 0, 8)
	for rows.Next() {
		link := domain.OfferProduct{OfferID: offer.ID, Kind: offer.Kind}
		if err := rows.Scan(&link.ID, &link.ProductID, &link.FixedPrice, &link.MinQuantity, &link.DiscountPct); err != nil {
			return nil, nil, err
		}
		links = append(links, link)
	}
	return &offer, links, rows.Err()
}

func (s *Store) UpdateOffer(ctx context.Context, offer domain.Offer, links []domain.OfferProduct) (*domain.Offer, error) {
	if offer.Name == "" || offer.Kind == "" || !offer.EndsAt.After(offer.StartsAt) {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE ofertas
		SET nombre = $2, descripcion = $3, fecha_inicio = $4, fecha_fin = $5,
		    tipo_oferta = $6, descuento_global = $7, activo = $8
		WHERE id = $1
	`, offer.ID, offer.Name, offer.Description, offer.StartsAt, offer.EndsAt, offer.Kind, offer.GlobalDiscountPct, offer.Active)
	if err != nil {
		return nil, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, store.ErrNotFound
	}

	// Replace links wholesale, as the admin form does.
	if _, err := tx.ExecContext(ctx, `DELETE FROM oferta_productos WHERE oferta_id = $1`, offer.ID); err != nil {
		return nil, err
	}
	if err := insertOfferLinks(ctx, tx, offer, links); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	updated := offer
	return &updated, nil
}

func (s *Store) DeleteOffer(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ofertas WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetOfferActive(ctx context.Context, id int64, active bool) (*domain.Offer, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE ofertas SET activo = $2 WHERE id = $1`, id, active)
	if err != nil {
		return nil, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, store.ErrNotFound
	}
	offer, _, err := s.GetOffer(ctx, id)
	return offer, err
}

func (s *Store) ListOffers(ctx context.Context) ([]domain.OfferSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.nombre, o.descripcion, o.fecha_inicio, o.fecha_fin,
		       o.tipo_oferta, o.descuento_global, o.activo,
		       COUNT(op.id)
		FROM ofertas o
		LEFT JOIN oferta_productos op ON o.id = op.oferta_id
		GROUP BY o.id
		ORDER BY o.fecha_inicio DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]domain.OfferSummary, 0, 32)
	for rows.Next() {
		var sum domain.OfferSummary
		o := &sum.Offer
		if err := rows.Scan(&o.ID, &o.Name, &o.Description, &o.StartsAt, &o.EndsAt, &o.Kind, &o.GlobalDiscountPct, &o.Active, &sum.AffectedProducts); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

func (s *Store) DeactivateExpiredOffers(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ofertas SET activo = FALSE WHERE activo = TRUE AND fecha_fin < $1
	`, now)
	return err
}

func (s *Store) ActiveOfferProducts(ctx context.Context, productID int64, now time.Time) ([]domain.ActiveOfferProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op.id, op.oferta_id, o.tipo_oferta,
		       COALESCE(op.precio_oferta, 0), COALESCE(op.cantidad_minima, 0), COALESCE(op.descuento_porcentaje, 0),
		       o.nombre, o.fecha_inicio, o.descuento_global
		FROM oferta_productos op
		JOIN ofertas o ON o.id = op.oferta_id
		WHERE op.producto_id = $1
		  AND o.activo = TRUE
		  AND o.fecha_inicio <= $2
		  AND o.fecha_fin >= $2
		ORDER BY o.fecha_inicio DESC
	`, productID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	links := make([]domain.ActiveOfferProduct, 0, 4)
	for rows.Next() {
		link := domain.ActiveOfferProduct{}
		link.ProductID = productID
		if err := rows.Scan(&link.ID, &link.OfferID, &link.Kind,
			&link.FixedPrice, &link.MinQuantity, &link.DiscountPct,
			&link.OfferName, &link.OfferStartsAt, &link.GlobalDiscountPct); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *Store) CreatePendingCart(ctx context.Context, cart domain.PendingCart) (*domain.PendingCart, error) {
	if len(cart.Lines) == 0 {
		return nil, store.ErrEmptyCart
	}
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO carritos_pendientes (propietario, nombre, total, creado_en)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, cart.Owner, cart.Name, cart.Total, cart.CreatedAt).Scan(&cart.ID)
	if err != nil {
		return nil, err
	}

	for _, line := range cart.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO carrito_pendiente_lineas (carrito_id, producto_id, cantidad, precio_unitario, subtotal)
			VALUES ($1, $2, $3, $4, $5)
		`, cart.ID, line.ProductID, line.Quantity, line.UnitPrice, line.Subtotal)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := cart
	return &saved, nil
}

func (s *Store) GetPendingCart(ctx context.Context, id int64) (*domain.PendingCart, error) {
	var cart domain.PendingCart
	err := s.db.QueryRowContext(ctx, `
		SELECT id, propietario, nombre, total, creado_en
		FROM carritos_pendientes
		WHERE id = $1
	`, id).Scan(&cart.ID, &cart.Owner, &cart.Name, &cart.Total, &cart.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT producto_id, cantidad, precio_unitario, subtotal
		FROM carrito_pendiente_lineas
		WHERE carrito_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.PendingCartLine
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.UnitPrice, &line.Subtotal); err != nil {
			return nil, err
		}
		cart.Lines = append(cart.Lines, line)
	}
	return &cart, rows.Err()
}

func (s *Store) ListPendingCarts(ctx context.Context, owner string) ([]domain.PendingCart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, propietario, nombre, total, creado_en
		FROM carritos_pendientes
		WHERE propietario = $1
		ORDER BY id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	carts := make([]domain.PendingCart, 0, 4)
	for rows.Next() {
		var cart domain.PendingCart
		if err := rows.Scan(&cart.ID, &cart.Owner, &cart.Name, &cart.Total, &cart.CreatedAt); err != nil {
			return nil, err
		}
		carts = append(carts, cart)
	}
	return carts, rows.Err()
}

func (s *Store) DeletePendingCart(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM carritos_pendientes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FinalizeSale(ctx context.Context, at time.Time, lines []domain.CartLine, payments []domain.PaymentAllocation, total float64) (*domain.Sale, []domain.SaleLine, error) {
	if len(lines) == 0 {
		return nil, nil, store.ErrEmptyCart
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Re-validate stock under the transaction. The add-time check held no
	// reservation, so this is the decisive one. Quantities are aggregated
	// per product first: two lines of the same product must not each pass
	// individually while jointly exceeding stock. Rows are locked in id
	// order to keep concurrent finalizes deadlock-free.
	required := make(map[int64]float64, len(lines))
	for _, line := range lines {
		required[line.ProductID] += line.Quantity
	}
	productIDs := make([]int64, 0, len(required))
	for id := range required {
		productIDs = append(productIDs, id)
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })
	for _, productID := range productIDs {
		var stock float64
		err := tx.QueryRowContext(ctx, `
			SELECT stock FROM productos WHERE id = $1 FOR UPDATE
		`, productID).Scan(&stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil, store.ErrProductNotFound
			}
			return nil, nil, err
		}
		if required[productID] > stock {
			return nil, nil, store.ErrInsufficientStock
		}
	}

	sale := domain.Sale{Timestamp: at, Total: total}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ventas (fecha, total) VALUES ($1, $2) RETURNING id
	`, sale.Timestamp, sale.Total).Scan(&sale.ID)
	if err != nil {
		return nil, nil, err
	}

	saleLines := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO detalle_ventas (venta_id, producto_id, cantidad, subtotal)
			VALUES ($1, $2, $3, $4)
		`, sale.ID, line.ProductID, line.Quantity, line.Subtotal)
		if err != nil {
			return nil, nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE productos
			SET stock = stock - $2,
			    stock_defectuoso = LEAST(stock_defectuoso, stock - $2)
			WHERE id = $1
		`, line.ProductID, line.Quantity)
		if err != nil {
			return nil, nil, err
		}
		saleLines = append(saleLines, domain.SaleLine{
			SaleID:    sale.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Subtotal:  line.Subtotal,
		})
	}

	for _, payment := range payments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pagos_venta (venta_id, metodo, monto) VALUES ($1, $2, $3)
		`, sale.ID, payment.Method, payment.Amount)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &sale, saleLines, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, []domain.SaleLine, []domain.PaymentAllocation, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, fecha, total FROM ventas WHERE id = $1
	`, id).Scan(&sale.ID, &sale.Timestamp, &sale.Total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil, store.ErrNotFound
		}
		return nil, nil, nil, err
	}

	lines, err := s.saleLines(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT venta_id, metodo, monto FROM pagos_venta WHERE venta_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()

	payments := make([]domain.PaymentAllocation, 0, 2)
	for rows.Next() {
		var p domain.PaymentAllocation
		if err := rows.Scan(&p.SaleID, &p.Method, &p.Amount); err != nil {
			return nil, nil, nil, err
		}
		payments = append(payments, p)
	}
	return &sale, lines, payments, rows.Err()
}

func (s *Store) saleLines(ctx context.Context, saleID int64) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT venta_id, producto_id, cantidad, subtotal
		FROM detalle_ventas
		WHERE venta_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.SaleID, &line.ProductID, &line.Quantity, &line.Subtotal); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleReportRow, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 200
	}

	sb := strings.Builder{}
	sb.WriteString(`SELECT v.id, v.fecha, v.total FROM ventas v`)
	where := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(filter.ProductIDs) > 0 || len(filter.CategoryIDs) > 0 || len(filter.UnitIDs) > 0 {
		conds := make([]string, 0, 3)
		if len(filter.ProductIDs) > 0 {
			args = append(args, filter.ProductIDs)
			conds = append(conds, fmt.Sprintf("p.id = ANY($%d)", len(args)))
		}
		if len(filter.CategoryIDs) > 0 {
			args = append(args, filter.CategoryIDs)
			conds = append(conds, fmt.Sprintf("p.categoria_id = ANY($%d)", len(args)))
		}
		if len(filter.UnitIDs) > 0 {
			args = append(args, filter.UnitIDs)
			conds = append(conds, fmt.Sprintf("p.unidad_id = ANY($%d)", len(args)))
		}
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM detalle_ventas d JOIN productos p ON d.producto_id = p.id WHERE d.venta_id = v.id AND (%s))",
			strings.Join(conds, " OR ")))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("v.fecha >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("v.fecha <= $%d", len(args)))
	}
	if filter.TotalMin != nil {
		args = append(args, *filter.TotalMin)
		where = append(where, fmt.Sprintf("v.total >= $%d", len(args)))
	}
	if filter.TotalMax != nil {
		args = append(args, *filter.TotalMax)
		where = append(where, fmt.Sprintf("v.total <= $%d", len(args)))
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	args = append(args, limit)
	sb.WriteString(fmt.Sprintf(" ORDER BY v.fecha DESC LIMIT $%d", len(args)))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := make([]domain.SaleReportRow, 0, limit)
	for rows.Next() {
		var row domain.SaleReportRow
		if err := rows.Scan(&row.Sale.ID, &row.Sale.Timestamp, &row.Sale.Total); err != nil {
			return nil, err
		}
		report = append(report, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range report {
		lines, err := s.saleLines(ctx, report[i].Sale.ID)
		if err != nil {
			return nil, err
		}
		report[i].Lines = lines
	}
	return report, nil
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.Name == "" {
		return nil, store.ErrInvalidInput
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO proveedores (nombre, telefono, email) VALUES ($1, $2, $3) RETURNING id
	`, supplier.Name, supplier.Phone, supplier.Email).Scan(&supplier.ID)
	if err != nil {
		return nil, err
	}
	created := supplier
	return &created, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nombre, telefono, email FROM proveedores ORDER BY nombre
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 32)
	for rows.Next() {
		var sup domain.Supplier
		if err := rows.Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.Email); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, sup)
	}
	return suppliers, rows.Err()
}

func (s *Store) UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.Name == "" {
		return nil, store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE proveedores SET nombre = $2, telefono = $3, email = $4 WHERE id = $1
	`, supplier.ID, supplier.Name, supplier.Phone, supplier.Email)
	if err != nil {
		return nil, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, store.ErrNotFound
	}
	updated := supplier
	return &updated, nil
}

func (s *Store) DeleteSupplier(ctx context.Context, id int64) error {
	// A supplier with purchase history stays on the books.
	var intakes int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ingresos_stock WHERE proveedor_id = $1
	`, id).Scan(&intakes)
	if err != nil {
		return err
	}
	if intakes > 0 {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM proveedores WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usuarios (username, password_hash, role, creado_en) VALUES ($1, $2, $3, $4)
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, creado_en FROM usuarios WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, role, creado_en FROM usuarios ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, accion, entidad, entidad_id, detalle, creado_en)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.ActorUsername, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, accion, entidad, entidad_id, detalle, creado_en
		FROM audit_logs
		WHERE creado_en >= $1 AND creado_en <= $2
		ORDER BY creado_en DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
