package starlink

// StatusResponse is the subset of get_status used for orientation and fix quality
type StatusResponse struct {
	DishGetStatus struct {
		DeviceInfo struct {
			ID              string `json:"id"`
			HardwareVersion string `json:"hardwareVersion"`
			SoftwareVersion string `json:"softwareVersion"`
		} `json:"deviceInfo"`

		GPSStats struct {
			GPSValid   bool `json:"gpsValid"`
			GPSSats    int  `json:"gpsSats"`
			InhibitGPS bool `json:"inhibitGps"`
		} `json:"gpsStats"`

		// Dish orientation
		BoresightAzimuthDeg   float64 `json:"boresightAzimuthDeg"`
		BoresightElevationDeg float64 `json:"boresightElevationDeg"`

		MobilityClass string `json:"mobilityClass"`
	} `json:"dishGetStatus"`
}

// LocationResponse is the get_location reply
type LocationResponse struct {
	GetLocation struct {
		LLA struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
			Alt float64 `json:"alt"`
		} `json:"lla"`
		SigmaM float64 `json:"sigmaM"` // accuracy in meters
		Source string  `json:"source"` // e.g. GNC_FUSED
	} `json:"getLocation"`
}
