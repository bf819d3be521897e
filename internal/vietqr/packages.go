package vietqr

import (
	"fmt"
	"strconv"
	"strings"
)

// Package is a purchasable bundle of credits priced in VND.
type Package struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Credits int    `json:"credits"`
	Price   int64  `json:"price"`
}

func DefaultPackages() []Package {
	return []Package{
		{ID: "basic", Name: "Basic", Credits: 10, Price: 20000},
		{ID: "standard", Name: "Standard", Credits: 30, Price: 50000},
		{ID: "premium", Name: "Premium", Credits: 100, Price: 150000},
		{ID: "pro", Name: "Pro", Credits: 250, Price: 300000},
	}
}

// ParsePackages reads a comma separated list of id=credits:price entries,
// e.g. "basic=10:20000,pro=250:300000". An empty string yields the defaults.
func ParsePackages(spec string) ([]Package, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return DefaultPackages(), nil
	}

	var out []Package
	seen := make(map[string]bool)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("package %q: expected id=credits:price", entry)
		}
		creditsRaw, priceRaw, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("package %q: expected id=credits:price", entry)
		}
		id = strings.ToLower(strings.TrimSpace(id))
		credits, err := strconv.Atoi(strings.TrimSpace(creditsRaw))
		if err != nil || credits <= 0 {
			return nil, fmt.Errorf("package %q: invalid credits", entry)
		}
		price, err := strconv.ParseInt(strings.TrimSpace(priceRaw), 10, 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("package %q: invalid price", entry)
		}
		if id == "" || seen[id] {
			return nil, fmt.Errorf("package %q: empty or duplicate id", entry)
		}
		seen[id] = true
		out = append(out, Package{ID: id, Name: strings.ToUpper(id[:1]) + id[1:], Credits: credits, Price: price})
	}
	if len(out) == 0 {
		return DefaultPackages(), nil
	}
	return out, nil
}

func FindPackage(pkgs []Package, id string) (Package, bool) {
	for _, p := range pkgs {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}
