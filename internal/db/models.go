package db

// KVRow is the GORM row shape storage.KV rows are persisted as,
// mirroring the (partition, sort_key) -> value layout every storage.KV
// implementation shares, keyed the way the teacher's TableEntry keys a
// generic key-value row.
type KVRow struct {
	Partition string `gorm:"primaryKey;column:partition"`
	SortKey   string `gorm:"primaryKey;column:sort_key"`
	Value     []byte `gorm:"column:value"`
}

func (KVRow) TableName() string {
	return "kv_rows"
}
