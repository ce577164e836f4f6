package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/starshop/cart/internal/domain"
)

// SnapshotVersion is the envelope version written by Encode.
// Version 0 is the bare line array written by the storefront before envelopes existed.
const SnapshotVersion = 1

var (
	ErrUnsupportedVersion = errors.New("unsupported cart snapshot version")
	ErrCorruptSnapshot    = errors.New("corrupt cart snapshot")
)

type envelope struct {
	Version int               `json:"version"`
	SavedAt time.Time         `json:"saved_at"`
	Lines   []json.RawMessage `json:"lines"`
}

type productV1 struct {
	ID                int64               `json:"id"`
	Name              string              `json:"name"`
	UnitPrice         decimal.NullDecimal `json:"unit_price"`
	AvailableQuantity int                 `json:"available_quantity"`
	ImageURL          string              `json:"image_url,omitempty"`
	SKU               string              `json:"sku,omitempty"`
}

type lineV1 struct {
	Product  productV1 `json:"product"`
	Quantity int       `json:"quantity"`
	AddedAt  time.Time `json:"added_at"`
}

// legacy storefront product: price may be a JSON number or a decimal string
type productV0 struct {
	ID                int64               `json:"id"`
	Name              string              `json:"name"`
	Price             decimal.NullDecimal `json:"price"`
	AvailableQuantity int                 `json:"available_quantity"`
	ImageURL          string              `json:"image_url"`
	SKU               string              `json:"sku"`
}

type lineV0 struct {
	Product  productV0 `json:"product"`
	Quantity int       `json:"quantity"`
}

// Snapshot is a decoded payload. Dropped counts lines that failed validation.
type Snapshot struct {
	Version int
	Lines   []domain.CartLine
	Dropped int
}

func Encode(lines []domain.CartLine, savedAt time.Time) ([]byte, error) {
	env := struct {
		Version int       `json:"version"`
		SavedAt time.Time `json:"saved_at"`
		Lines   []lineV1  `json:"lines"`
	}{
		Version: SnapshotVersion,
		SavedAt: savedAt.UTC(),
		Lines:   make([]lineV1, 0, len(lines)),
	}
	for _, l := range lines {
		env.Lines = append(env.Lines, lineV1{
			Product: productV1{
				ID:                l.Product.ID,
				Name:              l.Product.Name,
				UnitPrice:         decimal.NewNullDecimal(l.Product.UnitPrice),
				AvailableQuantity: l.Product.AvailableQuantity,
				ImageURL:          l.Product.ImageURL,
				SKU:               l.Product.SKU,
			},
			Quantity: l.Quantity,
			AddedAt:  l.AddedAt,
		})
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal cart snapshot failed: %w", err)
	}
	return data, nil
}

// Decode reads any known snapshot version. Lines that cannot be parsed or fail
// validation are skipped and counted instead of failing the whole snapshot.
func Decode(data []byte) (Snapshot, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Snapshot{Version: SnapshotVersion}, nil
	}

	switch data[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		return decodeLines(0, raw, decodeV0), nil
	case '{':
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		switch {
		case env.Version == SnapshotVersion:
			return decodeLines(env.Version, env.Lines, decodeV1), nil
		case env.Version > SnapshotVersion:
			return Snapshot{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
		default:
			return Snapshot{}, fmt.Errorf("%w: envelope version %d", ErrCorruptSnapshot, env.Version)
		}
	default:
		return Snapshot{}, fmt.Errorf("%w: unexpected leading byte %q", ErrCorruptSnapshot, data[0])
	}
}

func decodeLines(version int, raw []json.RawMessage, parse func(json.RawMessage) (domain.CartLine, bool)) Snapshot {
	snap := Snapshot{Version: version, Lines: make([]domain.CartLine, 0, len(raw))}
	for _, r := range raw {
		l, ok := parse(r)
		if !ok {
			snap.Dropped++
			continue
		}
		snap.Lines = append(snap.Lines, l)
	}
	return snap
}

func decodeV1(raw json.RawMessage) (domain.CartLine, bool) {
	var l lineV1
	if err := json.Unmarshal(raw, &l); err != nil {
		return domain.CartLine{}, false
	}
	line := domain.CartLine{
		Product: domain.Product{
			ID:                l.Product.ID,
			Name:              l.Product.Name,
			UnitPrice:         l.Product.UnitPrice.Decimal,
			AvailableQuantity: l.Product.AvailableQuantity,
			ImageURL:          l.Product.ImageURL,
			SKU:               l.Product.SKU,
		},
		Quantity: l.Quantity,
		AddedAt:  l.AddedAt,
	}
	return line, l.Product.UnitPrice.Valid && validLine(line)
}

func decodeV0(raw json.RawMessage) (domain.CartLine, bool) {
	var l lineV0
	if err := json.Unmarshal(raw, &l); err != nil {
		return domain.CartLine{}, false
	}
	line := domain.CartLine{
		Product: domain.Product{
			ID:                l.Product.ID,
			Name:              l.Product.Name,
			UnitPrice:         l.Product.Price.Decimal,
			AvailableQuantity: l.Product.AvailableQuantity,
			ImageURL:          l.Product.ImageURL,
			SKU:               l.Product.SKU,
		},
		Quantity: l.Quantity,
	}
	return line, l.Product.Price.Valid && validLine(line)
}

func validLine(l domain.CartLine) bool {
	return l.Product.ID > 0 && l.Quantity >= 1 && !l.Product.UnitPrice.IsNegative()
}
