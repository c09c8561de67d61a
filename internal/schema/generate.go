package schema

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generate synthesizes a payload from a learned schema node. request carries
// the parsed request body, if any: scalar request values whose key appears
// in the schema are echoed back verbatim, which keeps identity-preserving
// routes (create/update) looking real.
func Generate(node *Node, request map[string]any) any {
	if node == nil {
		return nil
	}
	return generateNode(node, request, "")
}

func generateNode(node *Node, request any, fieldName string) any {
	switch node.Meta.PrimaryType() {
	case TypeObject:
		result := make(map[string]any, len(node.Children))
		reqObj, _ := request.(map[string]any)
		for key, child := range node.Children {
			if reqObj != nil {
				if v, ok := reqObj[key]; ok && !isComposite(v) {
					result[key] = v
					continue
				}
			}
			var nested any
			if reqObj != nil {
				nested = reqObj[key]
			}
			result[key] = generateNode(child, nested, key)
		}
		return result

	case TypeArray:
		if node.Items == nil {
			return []any{}
		}
		n := 1 + rand.IntN(4)
		items := make([]any, n)
		for i := range items {
			items[i] = generateNode(node.Items, nil, fieldName)
		}
		return items

	default:
		return generateScalar(node, fieldName)
	}
}

func generateScalar(node *Node, fieldName string) any {
	if fieldName != "" {
		if v, ok := smartValue(fieldName, node.Meta.Example); ok {
			return v
		}
	}
	if node.Meta.Example != nil {
		return node.Meta.Example
	}
	switch node.Meta.PrimaryType() {
	case TypeString:
		return "mock_value"
	case TypeInteger, TypeNumber:
		return rand.IntN(101)
	case TypeBoolean:
		return true
	}
	return nil
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// ── Field-name heuristics ────────────────────────────────────────────────────

// fieldPattern maps field-name fragments to a semantic value kind.
// Order matters: first match wins, so specific names come before broad ones.
type fieldPattern struct {
	names []string
	kind  string
}

var fieldPatterns = []fieldPattern{
	{[]string{"uuid"}, "uuid"},
	{[]string{"_id", "id"}, "id"},

	{[]string{"email", "e_mail", "mail"}, "email"},
	{[]string{"phone", "mobile", "tel", "fax"}, "phone"},
	{[]string{"first_name", "firstname", "fname"}, "first_name"},
	{[]string{"last_name", "lastname", "lname", "surname"}, "last_name"},
	{[]string{"full_name", "fullname", "display_name", "username", "user_name", "author", "owner", "name"}, "full_name"},

	{[]string{"avatar", "photo", "image", "img", "thumbnail", "thumb", "picture", "pic", "logo", "icon", "banner", "cover"}, "image_url"},
	{[]string{"url", "link", "href", "website", "homepage", "uri", "endpoint", "callback"}, "url"},

	{[]string{"created_at", "createdat", "created", "date_created", "registered", "joined"}, "datetime_past"},
	{[]string{"updated_at", "updatedat", "modified", "modified_at", "last_modified", "last_seen", "last_login", "last_active"}, "datetime_recent"},
	{[]string{"expires", "expiry", "expires_at", "expiration", "valid_until", "due_date", "deadline", "scheduled_at"}, "datetime_future"},
	{[]string{"date", "time", "timestamp", "datetime"}, "datetime_past"},

	{[]string{"price", "cost", "amount", "total", "subtotal", "tax", "fee", "charge", "balance", "salary", "revenue", "discount"}, "money"},
	{[]string{"currency", "currency_code"}, "currency"},
	{[]string{"count", "quantity", "qty", "num", "number", "size", "length", "followers", "following", "likes", "views", "downloads", "rating", "score", "rank", "level", "age", "year"}, "positive_int"},
	{[]string{"lat", "latitude"}, "latitude"},
	{[]string{"lng", "lon", "longitude"}, "longitude"},
	{[]string{"percent", "percentage", "ratio", "rate"}, "percentage"},

	{[]string{"title", "subject", "headline", "heading"}, "title"},
	{[]string{"description", "desc", "summary", "abstract", "excerpt", "overview", "bio", "about"}, "description"},
	{[]string{"body", "content", "text", "message", "comment", "note", "details", "remarks"}, "paragraph"},
	{[]string{"tag", "label", "category", "kind", "group", "role"}, "tag"},

	{[]string{"status", "state", "phase"}, "status"},
	{[]string{"active", "enabled", "visible", "published", "verified", "confirmed", "approved", "available", "online", "is_active", "is_enabled"}, "boolean_true"},
	{[]string{"deleted", "archived", "disabled", "blocked", "banned", "suspended", "is_deleted", "is_archived"}, "boolean_false"},

	{[]string{"city"}, "city"},
	{[]string{"country", "country_code", "nation"}, "country"},
	{[]string{"zip", "zipcode", "zip_code", "postal", "postal_code", "postcode"}, "zip_code"},
	{[]string{"address", "street", "address_line"}, "address"},

	{[]string{"token", "access_token", "refresh_token", "api_key", "apikey", "secret", "session_id", "jwt"}, "token"},
	{[]string{"hash", "checksum", "md5", "sha256", "sha1", "digest", "fingerprint"}, "hash"},
	{[]string{"color", "colour", "hex_color", "bg_color"}, "color"},
	{[]string{"ip", "ip_address", "ipv4", "remote_addr", "client_ip"}, "ipv4"},
}

var (
	firstNames = []string{
		"Aarav", "Sophia", "Liam", "Aisha", "Mateo", "Yuki", "Oliver", "Mei",
		"Noah", "Zara", "Ethan", "Priya", "Lucas", "Sara", "Arjun", "Elena",
		"Kai", "Amara", "Leo", "Ananya", "James", "Luna", "Raj", "Isla",
	}
	lastNames = []string{
		"Patel", "Kim", "Garcia", "Chen", "Smith", "Tanaka", "Singh",
		"Johnson", "Ali", "Williams", "Nakamura", "Brown", "Lee", "Wilson",
		"Kumar", "Silva", "Martinez", "Wang", "Taylor", "Gupta", "Park", "Sato",
	}
	mailDomains = []string{
		"gmail.com", "outlook.com", "company.io", "example.org", "mail.dev",
		"proton.me", "fastmail.com", "icloud.com",
	}
	cities = []string{
		"San Francisco", "London", "Tokyo", "Mumbai", "Berlin", "Toronto",
		"Sydney", "Singapore", "Amsterdam", "Seoul", "Stockholm", "Austin",
	}
	countries = []string{
		"US", "GB", "JP", "IN", "DE", "CA", "AU", "SG", "NL", "KR", "SE", "ES",
	}
	statuses = []string{"active", "pending", "inactive", "completed", "processing", "draft"}
	titles   = []string{
		"Getting Started with the API", "Quarterly Performance Report",
		"Project Update: Phase 2", "New Feature Announcement",
		"Infrastructure Migration Plan", "Customer Feedback Summary",
		"Security Audit Results", "Release Notes v2.4",
	}
	tags = []string{
		"featured", "important", "beta", "stable", "experimental",
		"premium", "free", "popular", "trending", "new",
	}
	descriptions = []string{
		"A comprehensive overview of the latest updates and improvements.",
		"This resource provides detailed information about the service.",
		"Automatically generated content based on observed API patterns.",
		"Key insights derived from production traffic analysis.",
		"A curated collection of data points for this entity.",
	}
	colors = []string{
		"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
		"#DDA0DD", "#98D8C8", "#F7DC6F",
	}
	currencies = []string{"USD", "EUR", "GBP", "JPY", "INR", "CAD", "AUD", "CHF"}
)

// detectKind matches a field name against the heuristic table. Names match
// exactly, as prefix/suffix, or as an underscore-delimited component.
func detectKind(fieldName string) string {
	lower := strings.ToLower(strings.TrimSpace(fieldName))
	for _, fp := range fieldPatterns {
		for _, p := range fp.names {
			if lower == p || strings.HasPrefix(lower, p) || strings.HasSuffix(lower, p) ||
				strings.Contains(lower, "_"+p) || strings.Contains(lower, p+"_") {
				return fp.kind
			}
		}
	}
	return ""
}

// idCounter hands out sequential numeric ids across concurrent requests.
var idCounter atomic.Int64

func init() {
	idCounter.Store(int64(1000 + rand.IntN(9000)))
}

// smartValue produces a realistic value for a recognized field name.
// The sample (last observed value) steers magnitude and id style.
func smartValue(fieldName string, sample any) (any, bool) {
	switch detectKind(fieldName) {
	case "uuid":
		return uuid.New().String(), true
	case "id":
		if s, ok := sample.(string); ok && len(s) > 10 {
			return uuid.New().String(), true
		}
		return idCounter.Add(1), true
	case "email":
		return fmt.Sprintf("%s.%s@%s",
			strings.ToLower(pick(firstNames)), strings.ToLower(pick(lastNames)), pick(mailDomains)), true
	case "phone":
		return fmt.Sprintf("+1-%d-%d-%d", 200+rand.IntN(800), 100+rand.IntN(900), 1000+rand.IntN(9000)), true
	case "first_name":
		return pick(firstNames), true
	case "last_name":
		return pick(lastNames), true
	case "full_name":
		return pick(firstNames) + " " + pick(lastNames), true
	case "image_url":
		return fmt.Sprintf("https://picsum.photos/seed/%d/200/200", 1+rand.IntN(1000)), true
	case "url":
		return "https://example.com/" + randomString(8, "abcdefghijklmnopqrstuvwxyz"), true
	case "datetime_past":
		d := time.Duration(1+rand.IntN(365))*24*time.Hour + time.Duration(rand.IntN(86400))*time.Second
		return time.Now().UTC().Add(-d).Format("2006-01-02T15:04:05Z"), true
	case "datetime_recent":
		d := time.Duration(1+rand.IntN(72))*time.Hour + time.Duration(rand.IntN(3600))*time.Second
		return time.Now().UTC().Add(-d).Format("2006-01-02T15:04:05Z"), true
	case "datetime_future":
		d := time.Duration(1+rand.IntN(90))*24*time.Hour + time.Duration(rand.IntN(86400))*time.Second
		return time.Now().UTC().Add(d).Format("2006-01-02T15:04:05Z"), true
	case "money":
		if f, ok := asFloat(sample); ok && f != 0 {
			m := f
			if m < 0 {
				m = -m
			}
			if m < 1 {
				m = 1
			}
			return round2(m*0.5 + rand.Float64()*m), true
		}
		return round2(9.99 + rand.Float64()*490), true
	case "currency":
		return pick(currencies), true
	case "positive_int":
		if f, ok := asFloat(sample); ok && f > 0 {
			m := int(f)
			if m < 1 {
				m = 1
			}
			return m/2 + rand.IntN(m*2-m/2+1), true
		}
		return rand.IntN(101), true
	case "latitude":
		return round6(-90 + rand.Float64()*180), true
	case "longitude":
		return round6(-180 + rand.Float64()*360), true
	case "percentage":
		return float64(int(rand.Float64()*1000)) / 10, true
	case "title":
		return pick(titles), true
	case "description":
		return pick(descriptions), true
	case "paragraph":
		return pick(descriptions) + " " + pick(descriptions), true
	case "tag":
		return pick(tags), true
	case "status":
		return pick(statuses), true
	case "boolean_true":
		return rand.Float64() > 0.15, true
	case "boolean_false":
		return rand.Float64() > 0.85, true
	case "city":
		return pick(cities), true
	case "country":
		return pick(countries), true
	case "zip_code":
		return fmt.Sprintf("%d", 10000+rand.IntN(90000)), true
	case "address":
		suffix := "St"
		if rand.Float64() > 0.5 {
			suffix = "Ave"
		}
		return fmt.Sprintf("%d %s %s", 1+rand.IntN(9999), pick(lastNames), suffix), true
	case "token":
		return randomString(64, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"), true
	case "hash":
		return randomString(64, "0123456789abcdef"), true
	case "color":
		return pick(colors), true
	case "ipv4":
		return fmt.Sprintf("%d.%d.%d.%d", 10+rand.IntN(183), rand.IntN(256), rand.IntN(256), 1+rand.IntN(254)), true
	}
	return nil, false
}

func pick(pool []string) string {
	return pool[rand.IntN(len(pool))]
}

func randomString(n int, alphabet string) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func round6(f float64) float64 {
	return float64(int64(f*1e6)) / 1e6
}
