package pipeline

import (
	"github.com/sells-group/svi-fetch/internal/model"
)

// WriteMlyFinalPids builds mly_pids.csv directly from rawPidsPath: the
// Mapillary final pid table carries the same fields discovery produced,
// since MAUR only adds a download URL, persisted separately in
// pids_urls.csv rather than merged back into the final table.
func WriteMlyFinalPids(rawPidsPath, finalPidsPath string, idCols []string) error {
	rows, err := ReadCSVRows(rawPidsPath)
	if err != nil {
		return err
	}
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = rawToMlyFinalRow(rowToRawPano(row, model.ProviderMLY))
	}
	return WriteCSVRows(finalPidsPath, mlyFinalHeader(idCols), out)
}

// WriteGsvFinalPids builds gsv_pids.csv directly from rawPidsPath when
// metadata augmentation was not requested: same rows discovery produced,
// year/month left empty.
func WriteGsvFinalPids(rawPidsPath, finalPidsPath string, idCols []string) error {
	rows, err := ReadCSVRows(rawPidsPath)
	if err != nil {
		return err
	}
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = augmentedToRow(model.AugmentedPano{RawPano: rowToRawPano(row, model.ProviderGSV)})
	}
	return WriteCSVRows(finalPidsPath, gsvFinalHeader(idCols), out)
}

// CountFinalPids returns the number of data rows in a finalized pids
// table (gsv_pids.csv or mly_pids.csv).
func CountFinalPids(path string) (int, error) {
	rows, err := ReadCSVRows(path)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// CountImages returns the number of image files the completion index
// finds under dir, recursively.
func CountImages(dir string) (int, error) {
	ids, err := completedPanoIDs(dir)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
