package ogc

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/MeKo-Tech/tilehub/internal/tilematrix"
)

// HandleWMTS is the /wmts entry point: KVP GetTile or GetCapabilities.
func (s *Service) HandleWMTS(w http.ResponseWriter, r *http.Request) {
	q := kvpParams(r)
	if strings.EqualFold(q["request"], "GetTile") {
		s.HandleKVPTile(w, r)
		return
	}
	s.HandleWMTSCapabilities(w, r)
}

// HandleWMTSCapabilities emits the WMTS 1.0.0 capabilities document,
// optionally filtered by ?project= and ?layer=.
func (s *Service) HandleWMTSCapabilities(w http.ResponseWriter, r *http.Request) {
	q := kvpParams(r)
	inv, err := s.BuildInventory(q["project"], q["layer"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "wmts_capabilities_failed", err.Error())
		return
	}

	doc := s.wmtsDocument(inv, s.baseURL(r))
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "wmts_capabilities_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)
}

type owsKeywords struct {
	Keyword []string `xml:"ows:Keyword,omitempty"`
}

type owsBoundingBox struct {
	CRS         string `xml:"crs,attr,omitempty"`
	LowerCorner string `xml:"ows:LowerCorner"`
	UpperCorner string `xml:"ows:UpperCorner"`
}

type wmtsServiceIdentification struct {
	Title             string       `xml:"ows:Title"`
	Abstract          string       `xml:"ows:Abstract,omitempty"`
	Keywords          *owsKeywords `xml:"ows:Keywords,omitempty"`
	ServiceType       string       `xml:"ows:ServiceType"`
	ServiceTypeVer    string       `xml:"ows:ServiceTypeVersion"`
	Fees              string       `xml:"ows:Fees,omitempty"`
	AccessConstraints string       `xml:"ows:AccessConstraints,omitempty"`
}

type wmtsServiceContact struct {
	IndividualName string `xml:"ows:IndividualName,omitempty"`
	PositionName   string `xml:"ows:PositionName,omitempty"`
}

type wmtsServiceProvider struct {
	ProviderName   string              `xml:"ows:ProviderName,omitempty"`
	ProviderSite   *wmtsXlinkResource  `xml:"ows:ProviderSite,omitempty"`
	ServiceContact *wmtsServiceContact `xml:"ows:ServiceContact,omitempty"`
}

type wmtsXlinkResource struct {
	Href string `xml:"xlink:href,attr"`
}

type wmtsOperation struct {
	Name string `xml:"name,attr"`
	Get  struct {
		Href       string `xml:"xlink:href,attr"`
		Constraint struct {
			Name          string `xml:"name,attr"`
			AllowedValues struct {
				Value string `xml:"ows:Value"`
			} `xml:"ows:AllowedValues"`
		} `xml:"ows:Constraint"`
	} `xml:"ows:DCP>ows:HTTP>ows:Get"`
}

type wmtsStyle struct {
	IsDefault  bool   `xml:"isDefault,attr"`
	Identifier string `xml:"ows:Identifier"`
}

type wmtsTileMatrixSetLink struct {
	TileMatrixSet string `xml:"TileMatrixSet"`
}

type wmtsResourceURL struct {
	Format       string `xml:"format,attr"`
	ResourceType string `xml:"resourceType,attr"`
	Template     string `xml:"template,attr"`
}

type wmtsLayer struct {
	Title             string                  `xml:"ows:Title"`
	WGS84BoundingBox  *owsBoundingBox         `xml:"ows:WGS84BoundingBox,omitempty"`
	BoundingBox       *owsBoundingBox         `xml:"ows:BoundingBox,omitempty"`
	Identifier        string                  `xml:"ows:Identifier"`
	Styles            []wmtsStyle             `xml:"Style"`
	Format            string                  `xml:"Format"`
	TileMatrixSetLink []wmtsTileMatrixSetLink `xml:"TileMatrixSetLink"`
	ResourceURL       []wmtsResourceURL       `xml:"ResourceURL"`
}

type wmtsTileMatrix struct {
	Identifier       string  `xml:"ows:Identifier"`
	ScaleDenominator float64 `xml:"ScaleDenominator"`
	TopLeftCorner    string  `xml:"TopLeftCorner"`
	TileWidth        int     `xml:"TileWidth"`
	TileHeight       int     `xml:"TileHeight"`
	MatrixWidth      int     `xml:"MatrixWidth"`
	MatrixHeight     int     `xml:"MatrixHeight"`
}

type wmtsTileMatrixSet struct {
	Identifier   string           `xml:"ows:Identifier"`
	SupportedCRS string           `xml:"ows:SupportedCRS"`
	TileMatrix   []wmtsTileMatrix `xml:"TileMatrix"`
}

type wmtsContents struct {
	Layers         []wmtsLayer         `xml:"Layer"`
	TileMatrixSets []wmtsTileMatrixSet `xml:"TileMatrixSet"`
}

type wmtsCapabilities struct {
	XMLName               xml.Name                  `xml:"Capabilities"`
	Xmlns                 string                    `xml:"xmlns,attr"`
	XmlnsOws              string                    `xml:"xmlns:ows,attr"`
	XmlnsXlink            string                    `xml:"xmlns:xlink,attr"`
	Version               string                    `xml:"version,attr"`
	ServiceIdentification wmtsServiceIdentification `xml:"ows:ServiceIdentification"`
	ServiceProvider       wmtsServiceProvider       `xml:"ows:ServiceProvider"`
	Operations            []wmtsOperation           `xml:"ows:OperationsMetadata>ows:Operation"`
	Contents              wmtsContents              `xml:"Contents"`
}

func (s *Service) wmtsDocument(inv *Inventory, baseURL string) wmtsCapabilities {
	doc := wmtsCapabilities{
		Xmlns:      "http://www.opengis.net/wmts/1.0",
		XmlnsOws:   "http://www.opengis.net/ows/1.1",
		XmlnsXlink: "http://www.w3.org/1999/xlink",
		Version:    "1.0.0",
		ServiceIdentification: wmtsServiceIdentification{
			Title:             s.meta.Title,
			Abstract:          s.meta.Abstract,
			ServiceType:       "OGC WMTS",
			ServiceTypeVer:    "1.0.0",
			Fees:              s.meta.Fees,
			AccessConstraints: s.meta.AccessConstraints,
		},
		ServiceProvider: wmtsServiceProvider{
			ProviderName: s.meta.ProviderName,
		},
	}
	if len(s.meta.Keywords) > 0 {
		doc.ServiceIdentification.Keywords = &owsKeywords{Keyword: s.meta.Keywords}
	}
	if s.meta.ProviderSite != "" {
		doc.ServiceProvider.ProviderSite = &wmtsXlinkResource{Href: s.meta.ProviderSite}
	}
	if s.meta.ContactName != "" || s.meta.ContactPosition != "" {
		doc.ServiceProvider.ServiceContact = &wmtsServiceContact{
			IndividualName: s.meta.ContactName,
			PositionName:   s.meta.ContactPosition,
		}
	}
	for _, op := range []string{"GetCapabilities", "GetTile"} {
		o := wmtsOperation{Name: op}
		o.Get.Href = baseURL + "/wmts?"
		o.Get.Constraint.Name = "GetEncoding"
		o.Get.Constraint.AllowedValues.Value = "KVP"
		doc.Operations = append(doc.Operations, o)
	}

	for _, rec := range inv.Layers {
		layer := wmtsLayer{
			Title:      rec.Title,
			Identifier: rec.Identifier,
			Styles:     []wmtsStyle{{IsDefault: true, Identifier: "default"}},
			Format:     "image/png",
			TileMatrixSetLink: []wmtsTileMatrixSetLink{
				{TileMatrixSet: rec.TileMatrixSetID},
			},
			ResourceURL: []wmtsResourceURL{{
				Format:       "image/png",
				ResourceType: "tile",
				Template: fmt.Sprintf("%s/wmts/rest/%s/%s/{Style}/{TileMatrixSet}/{TileMatrix}/{TileRow}/{TileCol}.png",
					baseURL, rec.ProjectKey, rec.LayerKey),
			}},
		}
		if len(rec.ExtentWgs84) == 4 {
			layer.WGS84BoundingBox = &owsBoundingBox{
				LowerCorner: fmt.Sprintf("%g %g", rec.ExtentWgs84[0], rec.ExtentWgs84[1]),
				UpperCorner: fmt.Sprintf("%g %g", rec.ExtentWgs84[2], rec.ExtentWgs84[3]),
			}
		}
		if len(rec.Extent) == 4 {
			layer.BoundingBox = &owsBoundingBox{
				CRS:         crsToURN(rec.CRS),
				LowerCorner: fmt.Sprintf("%g %g", rec.Extent[0], rec.Extent[1]),
				UpperCorner: fmt.Sprintf("%g %g", rec.Extent[2], rec.Extent[3]),
			}
		}
		doc.Contents.Layers = append(doc.Contents.Layers, layer)
	}

	for _, id := range sortedSetIDs(inv.MatrixSets) {
		set := inv.MatrixSets[id]
		out := wmtsTileMatrixSet{
			Identifier:   set.ID,
			SupportedCRS: crsToURN(set.CRS()),
		}
		for _, m := range set.Matrices {
			out.TileMatrix = append(out.TileMatrix, wmtsTileMatrix{
				Identifier:       m.Identifier,
				ScaleDenominator: m.ScaleDenominator,
				TopLeftCorner:    fmt.Sprintf("%g %g", m.TopLeftCorner[0], m.TopLeftCorner[1]),
				TileWidth:        m.TileWidth,
				TileHeight:       m.TileHeight,
				MatrixWidth:      m.MatrixWidth,
				MatrixHeight:     m.MatrixHeight,
			})
		}
		doc.Contents.TileMatrixSets = append(doc.Contents.TileMatrixSets, out)
	}
	return doc
}

func sortedSetIDs(sets map[string]*tilematrix.Set) []string {
	ids := make([]string, 0, len(sets))
	for id := range sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// crsToURN renders EPSG:3857 as urn:ogc:def:crs:EPSG::3857.
func crsToURN(crs string) string {
	parts := strings.SplitN(crs, ":", 2)
	if len(parts) == 2 {
		return fmt.Sprintf("urn:ogc:def:crs:%s::%s", parts[0], parts[1])
	}
	return crs
}
