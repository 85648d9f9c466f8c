package ogc

import (
	"encoding/xml"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// HandleWMS is the /wms entry point: GetCapabilities or GetMap.
func (s *Service) HandleWMS(w http.ResponseWriter, r *http.Request) {
	q := kvpParams(r)
	if strings.EqualFold(q["request"], "GetMap") {
		s.handleGetMap(w, r, q)
		return
	}
	s.handleWMSCapabilities(w, r, q)
}

type wmsOnlineResource struct {
	XlinkHref string `xml:"xlink:href,attr"`
	XlinkType string `xml:"xlink:type,attr"`
}

type wmsBoundingBox struct {
	CRS  string  `xml:"CRS,attr"`
	MinX float64 `xml:"minx,attr"`
	MinY float64 `xml:"miny,attr"`
	MaxX float64 `xml:"maxx,attr"`
	MaxY float64 `xml:"maxy,attr"`
}

type wmsGeographicBox struct {
	West  float64 `xml:"westBoundLongitude"`
	East  float64 `xml:"eastBoundLongitude"`
	South float64 `xml:"southBoundLatitude"`
	North float64 `xml:"northBoundLatitude"`
}

type wmsStyle struct {
	Name  string `xml:"Name"`
	Title string `xml:"Title"`
}

type wmsLayer struct {
	Queryable     int               `xml:"queryable,attr"`
	Name          string            `xml:"Name,omitempty"`
	Title         string            `xml:"Title"`
	CRS           []string          `xml:"CRS"`
	GeographicBox *wmsGeographicBox `xml:"EX_GeographicBoundingBox,omitempty"`
	BoundingBoxes []wmsBoundingBox  `xml:"BoundingBox"`
	Styles        []wmsStyle        `xml:"Style"`
	Layers        []wmsLayer        `xml:"Layer"`
}

type wmsRequestType struct {
	Formats []string `xml:"Format"`
	Get     struct {
		OnlineResource wmsOnlineResource `xml:"OnlineResource"`
	} `xml:"DCPType>HTTP>Get"`
}

type wmsCapabilities struct {
	XMLName    xml.Name `xml:"WMS_Capabilities"`
	Version    string   `xml:"version,attr"`
	Xmlns      string   `xml:"xmlns,attr"`
	XmlnsXlink string   `xml:"xmlns:xlink,attr"`
	Service    struct {
		Name           string            `xml:"Name"`
		Title          string            `xml:"Title"`
		Abstract       string            `xml:"Abstract,omitempty"`
		OnlineResource wmsOnlineResource `xml:"OnlineResource"`
	} `xml:"Service"`
	Capability struct {
		GetCapabilities wmsRequestType `xml:"Request>GetCapabilities"`
		GetMap          wmsRequestType `xml:"Request>GetMap"`
		RootLayer       wmsLayer       `xml:"Layer"`
	} `xml:"Capability"`
}

// northingFirstCRS lists CRSes whose WMS 1.3.0 axis order is lat/lon or
// northing/easting.
func northingFirst(crs string) bool {
	switch strings.ToUpper(crs) {
	case "EPSG:4326", "EPSG:3006", "EPSG:3021", "EPSG:2154", "EPSG:25832", "EPSG:25833":
		return true
	}
	return false
}

func (s *Service) handleWMSCapabilities(w http.ResponseWriter, r *http.Request, q map[string]string) {
	inv, err := s.BuildInventory(q["project"], q["layer"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "wms_capabilities_failed", err.Error())
		return
	}
	base := s.baseURL(r)

	doc := wmsCapabilities{
		Version:    "1.3.0",
		Xmlns:      "http://www.opengis.net/wms",
		XmlnsXlink: "http://www.w3.org/1999/xlink",
	}
	doc.Service.Name = "WMS"
	doc.Service.Title = s.meta.Title
	doc.Service.Abstract = s.meta.Abstract
	doc.Service.OnlineResource = wmsOnlineResource{XlinkHref: base + "/wms", XlinkType: "simple"}

	for _, req := range []*wmsRequestType{&doc.Capability.GetCapabilities, &doc.Capability.GetMap} {
		req.Get.OnlineResource = wmsOnlineResource{XlinkHref: base + "/wms?", XlinkType: "simple"}
	}
	doc.Capability.GetCapabilities.Formats = []string{"text/xml"}
	doc.Capability.GetMap.Formats = []string{"image/png"}

	root := wmsLayer{Title: s.meta.Title}
	for _, rec := range inv.Layers {
		layer := wmsLayer{
			Queryable: 0,
			Name:      rec.Identifier,
			Title:     rec.Title,
			CRS:       []string{"CRS:84", "EPSG:4326", "EPSG:3857"},
			Styles:    []wmsStyle{{Name: "default", Title: "default"}},
		}
		if rec.CRS != "" && !contains(layer.CRS, rec.CRS) {
			layer.CRS = append(layer.CRS, rec.CRS)
		}
		if len(rec.ExtentWgs84) == 4 {
			layer.GeographicBox = &wmsGeographicBox{
				West: rec.ExtentWgs84[0], South: rec.ExtentWgs84[1],
				East: rec.ExtentWgs84[2], North: rec.ExtentWgs84[3],
			}
			// WMS 1.3.0 EPSG:4326 is lat/lon.
			layer.BoundingBoxes = append(layer.BoundingBoxes, wmsBoundingBox{
				CRS:  "EPSG:4326",
				MinX: rec.ExtentWgs84[1], MinY: rec.ExtentWgs84[0],
				MaxX: rec.ExtentWgs84[3], MaxY: rec.ExtentWgs84[2],
			})
		}
		if len(rec.Extent) == 4 && rec.CRS != "" {
			bb := wmsBoundingBox{
				CRS:  rec.CRS,
				MinX: rec.Extent[0], MinY: rec.Extent[1],
				MaxX: rec.Extent[2], MaxY: rec.Extent[3],
			}
			if northingFirst(rec.CRS) {
				bb.MinX, bb.MinY = bb.MinY, bb.MinX
				bb.MaxX, bb.MaxY = bb.MaxY, bb.MaxX
			}
			layer.BoundingBoxes = append(layer.BoundingBoxes, bb)
		}
		root.Layers = append(root.Layers, layer)
	}
	doc.Capability.RootLayer = root

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "wms_capabilities_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)
}

// handleGetMap picks the matrix closest to the requested resolution and
// redirects to the WMTS tile covering the bbox center. Only image/png.
func (s *Service) handleGetMap(w http.ResponseWriter, r *http.Request, q map[string]string) {
	layerID := q["layers"]
	if layerID == "" {
		writeError(w, http.StatusBadRequest, "wms_getmap_failed", "LAYERS required")
		return
	}
	width, err1 := strconv.Atoi(q["width"])
	height, err2 := strconv.Atoi(q["height"])
	bbox, err3 := parseBBox(q["bbox"])
	if err1 != nil || err2 != nil || err3 != nil || width <= 0 || height <= 0 {
		writeError(w, http.StatusBadRequest, "wms_getmap_failed", "BBOX, WIDTH and HEIGHT required")
		return
	}
	if format := q["format"]; format != "" && !strings.EqualFold(format, "image/png") {
		writeError(w, http.StatusBadRequest, "wms_getmap_failed", "only image/png is produced")
		return
	}

	inv, err := s.BuildInventory("", "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "wms_getmap_failed", err.Error())
		return
	}
	rec, ok := inv.Layer(layerID)
	if !ok {
		writeError(w, http.StatusNotFound, "layer_not_found", "")
		return
	}
	set, ok := inv.MatrixSets[rec.TileMatrixSetID]
	if !ok {
		writeError(w, http.StatusNotFound, "tile_matrix_set_not_found", "")
		return
	}

	crs := strings.ToUpper(q["crs"])
	if northingFirst(crs) {
		// Axis order back to x/y for the math below.
		bbox[0], bbox[1] = bbox[1], bbox[0]
		bbox[2], bbox[3] = bbox[3], bbox[2]
	}

	res := math.Max((bbox[2]-bbox[0])/float64(width), (bbox[3]-bbox[1])/float64(height))
	m, ok := set.NearestMatrixForResolution(res)
	if !ok {
		writeError(w, http.StatusNotFound, "tile_matrix_not_found", "")
		return
	}

	cx := (bbox[0] + bbox[2]) / 2
	cy := (bbox[1] + bbox[3]) / 2
	tileSpanX := m.Resolution * float64(m.TileWidth)
	tileSpanY := m.Resolution * float64(m.TileHeight)
	col := int((cx - m.TopLeftCorner[0]) / tileSpanX)
	row := int((m.TopLeftCorner[1] - cy) / tileSpanY)
	col = clampInt(col, 0, m.MatrixWidth-1)
	row = clampInt(row, 0, m.MatrixHeight-1)

	target := fmt.Sprintf("%s/wmts/rest/%s/%s/default/%s/%s/%d/%d.png",
		s.baseURL(r), rec.ProjectKey, rec.LayerKey, rec.TileMatrixSetID, m.Identifier, row, col)
	http.Redirect(w, r, target, http.StatusFound)
}

func parseBBox(v string) ([4]float64, error) {
	parts := strings.Split(v, ",")
	var out [4]float64
	if len(parts) != 4 {
		return out, fmt.Errorf("bbox needs 4 numbers")
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, err
		}
		out[i] = f
	}
	return out, nil
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
