package checkout

import (
	"context"

	"github.com/IngaleChinmay04/locallens-orders/internal/catalog"
	"github.com/IngaleChinmay04/locallens-orders/internal/domain"
)

// reserveAndSnapshot builds one order item per cart line, reserving stock as
// it goes. On any failure every reservation made so far is released and a
// LineError naming the failing line is returned.
func (s *Service) reserveAndSnapshot(ctx context.Context, lines []CartLine) ([]domain.OrderItem, error) {
	items := make([]domain.OrderItem, 0, len(lines))

	for _, line := range lines {
		item, err := s.snapshotLine(ctx, line)
		if err != nil {
			s.releaseItems(ctx, items)
			return nil, &LineError{ProductID: line.ProductID, VariantID: line.VariantID, Err: err}
		}
		items = append(items, *item)
	}

	return items, nil
}

// snapshotLine copies the catalog facts for a cart line into an immutable
// order item and reserves its stock. The availability check and the decrement
// are the same conditional UPDATE; the snapshot read beforehand only
// establishes that the item still exists and what it costs.
func (s *Service) snapshotLine(ctx context.Context, line CartLine) (*domain.OrderItem, error) {
	product, variant, err := s.catalog.GetProductForSnapshot(ctx, line.ProductID, line.VariantID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, catalog.ErrItemUnavailable
	}

	shop, err := s.catalog.GetShop(ctx, product.ShopID)
	if err != nil {
		return nil, err
	}
	if shop == nil {
		return nil, catalog.ErrItemUnavailable
	}

	if err := s.catalog.ReserveStock(ctx, line.ProductID, line.VariantID, line.Quantity); err != nil {
		return nil, err
	}

	purchaseType := line.PurchaseType
	if purchaseType == "" {
		purchaseType = domain.PurchaseRegular
	}

	item := &domain.OrderItem{
		ProductID:    product.ID,
		ShopID:       product.ShopID,
		Quantity:     line.Quantity,
		UnitPrice:    product.Price,
		PurchaseType: purchaseType,
		ProductSnapshot: domain.ProductSnapshot{
			Name:     product.Name,
			ImageURL: product.ImageURL,
		},
		ShopSnapshot: domain.ShopSnapshot{
			Name:  shop.Name,
			Phone: shop.Phone,
		},
	}
	if variant != nil {
		item.VariantID = variant.ID
		item.UnitPrice = variant.Price
		item.VariantSnapshot = &domain.VariantSnapshot{Name: variant.Name}
	}
	item.TotalPrice = item.UnitPrice * int64(item.Quantity)

	return item, nil
}

// releaseItems is the compensating release for failed checkouts.
func (s *Service) releaseItems(ctx context.Context, items []domain.OrderItem) {
	for _, item := range items {
		if err := s.catalog.ReleaseStock(ctx, item.ProductID, item.VariantID, item.Quantity); err != nil {
			s.logger.Error("failed to release reserved stock", "error", err,
				"product_id", item.ProductID, "quantity", item.Quantity)
		}
	}
}
