// Package dataset holds the static catalog of logical datasets the
// service accepts.
//
// Datasets are declared at build time, not created through the API: each
// one corresponds to a recurring report export from the network management
// or resource management systems, lands in a fixed physical table, and
// carries the unique-key columns used for row identity during diffing.
package dataset

import (
	"sort"

	"datadiff/internal/faults"
)

// Dataset describes one logical dataset.
type Dataset struct {
	// Key is the stable API identifier.
	Key string
	// DisplayName is the operator-facing name, as the source system
	// labels its export.
	DisplayName string
	// Table is the physical table the dataset lands in.
	Table string
	// UniqueColumns are the sanitized column names forming row identity,
	// in declared order. Empty means no identity is known and diffing
	// runs in degraded mode on the first column.
	UniqueColumns []string
	// HeaderRow pins the 1-based header row for Excel uploads. Zero
	// means automatic detection. Network-management exports bury the
	// header under seven banner rows.
	HeaderRow int
	// Correction marks datasets whose rows pass through the field
	// harmonization step before diffing.
	Correction bool
}

// Keyed reports whether the dataset has a configured unique key.
func (d *Dataset) Keyed() bool { return len(d.UniqueColumns) > 0 }

var catalog = map[string]*Dataset{
	"wangguan_olt": {
		Key:           "wangguan_olt",
		DisplayName:   "网管-OLT数据",
		Table:         "wangguan_olt_data",
		UniqueColumns: []string{"wang_yuan_ip"},
		HeaderRow:     8,
	},
	"wangguan_onu": {
		Key:           "wangguan_onu",
		DisplayName:   "网管-ONU数据",
		Table:         "wangguan_onu_data",
		UniqueColumns: []string{"onu_id"},
		HeaderRow:     8,
	},
	"wangguan_pon_kou": {
		Key:           "wangguan_pon_kou",
		DisplayName:   "网管-PON口数据",
		Table:         "wangguan_pon_kou_data",
		UniqueColumns: []string{"wang_yuan_ip", "pon_duan_kou"},
		HeaderRow:     8,
	},
	"ziguan_olt": {
		Key:           "ziguan_olt",
		DisplayName:   "资管-OLT",
		Table:         "ziguan_olt_data",
		UniqueColumns: []string{"she_bei_ming_cheng"},
		HeaderRow:     1,
	},
	"ziguan_olt_duankou": {
		Key:           "ziguan_olt_duankou",
		DisplayName:   "资管-OLT端口",
		Table:         "ziguan_olt_duankou_data",
		UniqueColumns: []string{"she_bei_ming_cheng", "duan_kou_ming_cheng"},
		HeaderRow:     8,
	},
	"ziguan_pon_wangluo_lianjie": {
		Key:         "ziguan_pon_wangluo_lianjie",
		DisplayName: "资管-PON网络连接",
		Table:       "ziguan_pon_wangluo_lianjie",
		// No stable identity in this export; diffs run degraded.
		HeaderRow: 8,
	},
	"ziguan_fenguangqi": {
		Key:           "ziguan_fenguangqi",
		DisplayName:   "资管-分光器",
		Table:         "ziguan_fenguangqi",
		UniqueColumns: []string{"fen_guang_qi_ming_cheng"},
		HeaderRow:     8,
	},
	"kehu_fuwu": {
		Key:           "kehu_fuwu",
		DisplayName:   "客户服务信息",
		Table:         "kehu_fuwu_data",
		UniqueColumns: []string{"gong_dan_hao"},
		Correction:    true,
	},
}

// Get returns the dataset for key.
func Get(key string) (*Dataset, error) {
	d, ok := catalog[key]
	if !ok {
		return nil, &faults.NotFound{Kind: "dataset", ID: key}
	}
	return d, nil
}

// All returns the catalog sorted by key, for listing endpoints.
func All() []*Dataset {
	out := make([]*Dataset, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
