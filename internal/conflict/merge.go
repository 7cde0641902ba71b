package conflict

import "time"

// Lifecycle ranks. A higher rank is "more advanced" and wins a merge.

func orderStatusRank(status string) int {
	switch status {
	case "open":
		return 0
	case "closed":
		return 1
	case "cancelled":
		return 2
	default:
		return -1
	}
}

func itemStatusRank(status string) int {
	switch status {
	case "pending":
		return 0
	case "in_preparation":
		return 1
	case "ready":
		return 2
	case "delivered":
		return 3
	case "cancelled":
		// Terminal: once cancelled, nothing advances past it.
		return 4
	default:
		return -1
	}
}

// mergeOrder reconciles an order: more-advanced status wins, the total
// takes the maximum, and line items merge by identity with server items
// missing from the client set retained.
func mergeOrder(server, client map[string]any) map[string]any {
	merged := cloneMap(server)
	if client == nil {
		return merged
	}

	if clientStatus, ok := stringField(client, "status"); ok {
		serverStatus, _ := stringField(server, "status")
		if orderStatusRank(clientStatus) > orderStatusRank(serverStatus) {
			merged["status"] = clientStatus
		}
	}
	if clientTotal, ok := numberField(client, "totalAmount"); ok {
		serverTotal, _ := numberField(server, "totalAmount")
		if clientTotal > serverTotal {
			merged["totalAmount"] = clientTotal
		}
	}
	merged["items"] = mergeItemLists(listField(server, "items"), listField(client, "items"))
	if later, ok := laterTimestamp(server, client, "updatedAt"); ok {
		merged["updatedAt"] = later
	}
	return merged
}

// mergeItemLists merges client line items into the server set by item
// identity; server items the client never saw survive untouched.
func mergeItemLists(server, client []any) []any {
	if len(client) == 0 {
		return server
	}
	byID := make(map[string]int, len(server))
	merged := make([]any, 0, len(server)+len(client))
	for i, entry := range server {
		merged = append(merged, entry)
		if item, ok := entry.(map[string]any); ok {
			if id, ok := stringField(item, "id"); ok {
				byID[id] = i
			}
		}
	}
	for _, entry := range client {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id, ok := stringField(item, "id")
		if !ok {
			merged = append(merged, item)
			continue
		}
		if idx, exists := byID[id]; exists {
			serverItem, _ := merged[idx].(map[string]any)
			merged[idx] = mergeOrderItem(serverItem, item)
		} else {
			merged = append(merged, item)
		}
	}
	return merged
}

// mergeOrderItem reconciles a single line item: the more-advanced status
// wins, the client's non-empty special instructions are preferred, and
// the later timestamp is kept.
func mergeOrderItem(server, client map[string]any) map[string]any {
	merged := cloneMap(server)
	if client == nil {
		return merged
	}

	if clientStatus, ok := stringField(client, "status"); ok {
		serverStatus, _ := stringField(server, "status")
		if itemStatusRank(clientStatus) > itemStatusRank(serverStatus) {
			merged["status"] = clientStatus
		}
	}
	if instructions, ok := stringField(client, "specialInstructions"); ok && instructions != "" {
		merged["specialInstructions"] = instructions
	}
	if later, ok := laterTimestamp(server, client, "updatedAt"); ok {
		merged["updatedAt"] = later
	}
	return merged
}

// mergeTable keeps the server authoritative for physical state: status
// and capacity always come from the server, only the modification
// timestamp takes the later of the two views.
func mergeTable(server, client map[string]any) map[string]any {
	merged := cloneMap(server)
	if client == nil {
		return merged
	}
	if later, ok := laterTimestamp(server, client, "updatedAt"); ok {
		merged["updatedAt"] = later
	}
	return merged
}

// mergeShallow overlays client fields onto the server snapshot. Used for
// any resource kind without a dedicated rule.
func mergeShallow(server, client map[string]any) map[string]any {
	merged := cloneMap(server)
	for k, v := range client {
		merged[k] = v
	}
	return merged
}

func cloneMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	value, ok := m[key].(string)
	return value, ok
}

func numberField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch value := m[key].(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}

func listField(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	value, _ := m[key].([]any)
	return value
}

// laterTimestamp compares RFC3339 timestamps from both views and returns
// the later one. Unparseable or absent values lose to a valid peer.
func laterTimestamp(server, client map[string]any, key string) (string, bool) {
	serverRaw, _ := stringField(server, key)
	clientRaw, _ := stringField(client, key)
	serverAt, serverOK := parseTime(serverRaw)
	clientAt, clientOK := parseTime(clientRaw)
	switch {
	case serverOK && clientOK:
		if clientAt.After(serverAt) {
			return clientRaw, true
		}
		return serverRaw, true
	case clientOK:
		return clientRaw, true
	case serverOK:
		return serverRaw, true
	default:
		return "", false
	}
}

func parseTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}
