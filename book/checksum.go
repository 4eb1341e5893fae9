package book

import (
	"hash/crc32"
	"strings"

	"github.com/edwardtay/kraken-ws-sdk/models"
)

// computeChecksum builds the CRC32 integrity value over the canonical
// serialization of the top-N bids followed by the top-N asks. Each level
// contributes its price then volume with the decimal point removed and
// leading zeros stripped, matching the exchange's canonical form.
// Callers hold the book lock.
func (b *Book) computeChecksum() uint32 {
	var sb strings.Builder
	appendSide(&sb, b.bids, b.checksumTopN)
	appendSide(&sb, b.asks, b.checksumTopN)
	return crc32.ChecksumIEEE([]byte(sb.String()))
}

func appendSide(sb *strings.Builder, levels []models.PriceLevel, topN int) {
	n := len(levels)
	if n > topN {
		n = topN
	}
	for i := 0; i < n; i++ {
		sb.WriteString(canonical(levelPriceText(levels[i])))
		sb.WriteString(canonical(levelVolumeText(levels[i])))
	}
}

// levelPriceText prefers the exact wire string so the checksum matches the
// exchange's own computation regardless of trailing zeros.
func levelPriceText(lvl models.PriceLevel) string {
	if lvl.PriceRaw != "" {
		return lvl.PriceRaw
	}
	return lvl.Price.String()
}

func levelVolumeText(lvl models.PriceLevel) string {
	if lvl.VolumeRaw != "" {
		return lvl.VolumeRaw
	}
	return lvl.Volume.String()
}

// canonical removes the decimal point and strips leading zeros.
func canonical(s string) string {
	s = strings.Replace(s, ".", "", 1)
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}
