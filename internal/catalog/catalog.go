// Package catalog is the static product table, loaded once at startup.
package catalog

import "github.com/shopspring/decimal"

type Product struct {
	ID            string
	Label         string // keyboard button text
	Description   string
	Price         decimal.Decimal
	Photo         string
	DeliveryText  string
	DeliveryPhoto string
}

type Catalog struct {
	products  []Product
	cities    []string
	districts []string
}

func New(products []Product, cities, districts []string) *Catalog {
	return &Catalog{products: products, cities: cities, districts: districts}
}

// Default mirrors the shop's launch assortment.
func Default() *Catalog {
	price := decimal.NewFromInt(700)
	return New(
		[]Product{
			{
				ID:            "p1",
				Label:         "Товар 1",
				Description:   "Описание Товара 1",
				Price:         price,
				Photo:         "images/product1.jpg",
				DeliveryText:  "📍 Бульвар 1, дом 7 (тайник возле дерева)",
				DeliveryPhoto: "delivery/adr1.jpg",
			},
			{
				ID:            "p2",
				Label:         "Товар 2",
				Description:   "Описание Товара 2",
				Price:         price,
				Photo:         "images/product2.jpg",
				DeliveryText:  "📍 Центральная 21 — под камнем справа",
				DeliveryPhoto: "delivery/adr2.jpg",
			},
			{
				ID:            "p3",
				Label:         "Товар 3",
				Description:   "Описание Товара 3",
				Price:         price,
				Photo:         "images/product3.jpg",
				DeliveryText:  "📍 Проспект Мира, 15 — под лавкой",
				DeliveryPhoto: "delivery/adr3.jpg",
			},
			{
				ID:            "p4",
				Label:         "Товар 4",
				Description:   "Описание Товара 4",
				Price:         price,
				Photo:         "images/product4.jpg",
				DeliveryText:  "📍 Сквер Гринча, куст №3",
				DeliveryPhoto: "delivery/adr4.jpg",
			},
		},
		[]string{"Запорожье"},
		[]string{"Бульвар Шевченко", "Улица Центральная", "Проспект Мира"},
	)
}

func (c *Catalog) Products() []Product { return c.products }

func (c *Catalog) Cities() []string { return c.cities }

func (c *Catalog) Districts() []string { return c.districts }

func (c *Catalog) Get(id string) (Product, bool) {
	for _, p := range c.products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

func (c *Catalog) ByLabel(text string) (Product, bool) {
	for _, p := range c.products {
		if p.Label == text {
			return p, true
		}
	}
	return Product{}, false
}

func (c *Catalog) HasCity(text string) bool {
	for _, city := range c.cities {
		if city == text {
			return true
		}
	}
	return false
}

func (c *Catalog) HasDistrict(text string) bool {
	for _, d := range c.districts {
		if d == text {
			return true
		}
	}
	return false
}
