package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	svi "github.com/sells-group/svi-fetch"
)

var downloadCmd = &cobra.Command{
	Use:   "download <output-dir>",
	Short: "Discover, augment, and fetch panoramas into output-dir",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

func init() {
	downloadCmd.Flags().String("provider", "", "imagery provider: gsv or mly (required)")
	downloadCmd.Flags().Float64("lat", 0, "latitude of a single query point")
	downloadCmd.Flags().Float64("lon", 0, "longitude of a single query point")
	downloadCmd.Flags().String("input-csv", "", "CSV file of query points")
	downloadCmd.Flags().String("input-shp", "", "shapefile of a boundary polygon")
	downloadCmd.Flags().String("input-geojson", "", "GeoJSON file of a boundary polygon")
	downloadCmd.Flags().String("place", "", "named place to geocode into a boundary polygon")
	downloadCmd.Flags().String("nominatim-url", "", "override the Nominatim geocoder base URL")
	downloadCmd.Flags().StringSlice("id-columns", nil, "input id columns to carry through to output rows")
	downloadCmd.Flags().Float64("buffer", 0, "buffer radius in meters around the input geometry")
	downloadCmd.Flags().Float64("grid", 0, "grid spacing in meters to densify the input geometry")
	downloadCmd.Flags().Bool("update-pids", true, "re-run discovery/augmentation even if a final pids table exists")
	downloadCmd.Flags().String("start-date", "", "only fetch panos captured on or after this ISO date (YYYY-MM-DD)")
	downloadCmd.Flags().String("end-date", "", "only fetch panos captured on or before this ISO date (YYYY-MM-DD)")
	downloadCmd.Flags().Bool("augment-metadata", false, "resolve capture year/month (GSV only)")
	downloadCmd.Flags().String("resolution", "", "thumbnail resolution field, e.g. thumb_2048_url (Mapillary only)")
	downloadCmd.Flags().Bool("cropped", false, "crop each image to its top half")
	downloadCmd.Flags().Bool("full", true, "keep the full stitched image; false clips empty tile borders (GSV only)")
	downloadCmd.Flags().Int("batch-size", 0, "override the configured batch size")
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	outDir := args[0]

	provider, _ := cmd.Flags().GetString("provider")
	lat, _ := cmd.Flags().GetFloat64("lat")
	lon, _ := cmd.Flags().GetFloat64("lon")
	inputCSV, _ := cmd.Flags().GetString("input-csv")
	inputShp, _ := cmd.Flags().GetString("input-shp")
	inputGeoJSON, _ := cmd.Flags().GetString("input-geojson")
	place, _ := cmd.Flags().GetString("place")
	nominatimURL, _ := cmd.Flags().GetString("nominatim-url")
	idColumns, _ := cmd.Flags().GetStringSlice("id-columns")
	buffer, _ := cmd.Flags().GetFloat64("buffer")
	grid, _ := cmd.Flags().GetFloat64("grid")
	updatePids, _ := cmd.Flags().GetBool("update-pids")
	startDate, _ := cmd.Flags().GetString("start-date")
	endDate, _ := cmd.Flags().GetString("end-date")
	augmentMetadata, _ := cmd.Flags().GetBool("augment-metadata")
	resolution, _ := cmd.Flags().GetString("resolution")
	cropped, _ := cmd.Flags().GetBool("cropped")
	full, _ := cmd.Flags().GetBool("full")
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	var fullOpt *bool
	if cmd.Flags().Changed("full") {
		fullOpt = &full
	}

	opts := svi.Options{
		Provider:         provider,
		Point:            cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon"),
		Lat:              lat,
		Lon:              lon,
		InputCSVFile:     inputCSV,
		InputShpFile:     inputShp,
		InputGeoJSONFile: inputGeoJSON,
		InputPlaceName:   place,
		NominatimURL:     nominatimURL,
		IDColumns:        idColumns,
		BufferMeters:     buffer,
		GridMeters:       grid,
		UpdatePids:       updatePids,
		StartDate:        startDate,
		EndDate:          endDate,
		AugmentMetadata:  augmentMetadata,
		Resolution:       resolution,
		Cropped:          cropped,
		Full:             fullOpt,
		BatchSize:        batchSize,
	}

	if err := cfg.Validate(provider); err != nil {
		return err
	}

	summary, err := svi.Download(cmd.Context(), cfg, outDir, opts)
	if err != nil {
		return eris.Wrap(err, "download")
	}

	zap.L().Info("download complete",
		zap.String("pids_path", summary.PidsPath),
		zap.Int("total_pids", summary.TotalPids),
		zap.Int("images", summary.ImagesCount),
		zap.Duration("elapsed", summary.Elapsed),
	)
	fmt.Printf("done: %d pids, %d images written to %s\n", summary.TotalPids, summary.ImagesCount, outDir)
	return nil
}
