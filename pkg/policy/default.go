package policy

import "net/http"

// Default は既存ゲートウェイと同じ内容のポリシー表を返す。
//
// 注文・在庫の参照系エンドポイントもADMIN必須になっている点と、
// ADMIN不足が401、USER不足が403という非対称は既存の挙動をそのまま引き継いでいる。
// 変更する場合はPOLICY_FILEまたはPOLICY_DBで表を差し替えること。
func Default() *Table {
	return &Table{
		Public: []Rule{
			{Pattern: "/api/auth/"},
		},
		Tiers: []Tier{
			{
				Role:       RoleAdmin,
				DenyStatus: http.StatusUnauthorized,
				Rules: []Rule{
					{Pattern: "/api/products/addProduct"},
					{Pattern: "/api/products/admin", Exact: true},
					{Pattern: "/api/products/updateProduct/"},
					{Pattern: "/api/products/deleteProduct/"},
					{Pattern: "/api/orders/"},
					{Pattern: "/api/orders/getOrderById/"},
					{Pattern: "/api/orders/orderNumber/"},
					{Pattern: "/api/orders/user/"},
					{Pattern: "/api/orders/status/"},
					{Pattern: "/api/orders/updateOrderStatus/"},
					{Pattern: "/api/orders/updateOrder/"},
					{Pattern: "/api/orders/deleteOrder/"},
					{Pattern: "/api/inventory/"},
					{Pattern: "/api/inventory/getInventoryById/"},
					{Pattern: "/api/inventory/product/"},
					{Pattern: "/api/inventory/updateInventory/"},
				},
			},
			{
				Role:       RoleUser,
				DenyStatus: http.StatusForbidden,
				Rules: []Rule{
					{Pattern: "/api/cart/"},
				},
			},
		},
	}
}
