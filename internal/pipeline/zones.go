package pipeline

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"taxiflow/internal/asset"
	"taxiflow/internal/resource"
	logx "taxiflow/pkg/logx"
)

const ZonesFileName = "taxi_zones.csv"

// ErrEndpointChanged means the dataset page no longer carries the update
// date markup the zones source is observed through.
var ErrEndpointChanged error = endpointChangedError{}

// endpointChangedError keeps the exact sentence-cased message.
type endpointChangedError struct{}

func (endpointChangedError) Error() string {
	return "The NYC Taxi Zones dataset endpoint has changed."
}

// ZonesDataVersion extracts the dataset's last update time from the NYC
// Open Data page: the data-rawdatetime attribute of the first span inside
// the element with class aboutUpdateDate.
func ZonesDataVersion(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse zones page: %w", err)
	}
	about := findNode(doc, func(n *html.Node) bool { return hasClass(n, "aboutUpdateDate") })
	if about == nil {
		return "", ErrEndpointChanged
	}
	span := findNode(about, func(n *html.Node) bool { return n != about && n.Data == "span" })
	if span == nil {
		return "", ErrEndpointChanged
	}
	v := strings.TrimSpace(getAttr(span, "data-rawdatetime"))
	if v == "" {
		return "", ErrEndpointChanged
	}
	return v, nil
}

// findNode walks n depth-first and returns the first element match.
func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func (p *Pipeline) observeZonesEndpoint(ctx context.Context, ac *asset.Context) (asset.Output, error) {
	body, err := p.res.Fetch.Open(ctx, p.cfg.ZonesPageURL)
	if err != nil {
		return asset.Output{}, err
	}
	defer body.Close()
	v, err := ZonesDataVersion(body)
	if err != nil {
		return asset.Output{}, err
	}
	ac.Log.Debug("zones endpoint observed", logx.String("data_version", v))
	return asset.Output{DataVersion: v}, nil
}

func (p *Pipeline) materializeZonesFile(ctx context.Context, ac *asset.Context) (asset.Output, error) {
	body, err := p.res.Fetch.Open(ctx, p.cfg.ZonesCSVURL)
	if err != nil {
		return asset.Output{}, err
	}
	defer body.Close()
	landed, err := p.res.Raw.Write(ctx, ZonesFileName, body)
	if err != nil {
		return asset.Output{}, err
	}
	return landedOutput(landed), nil
}

// ZonesLoadSQL replaces the zones table from the raw CSV.
func ZonesLoadSQL(csvPath string) string {
	return `create or replace table zones as (
	select
		LocationID as zone_id,
		zone,
		borough,
		the_geom as geometry
	from ` + resource.QuoteLiteral(csvPath) + `
)`
}

func (p *Pipeline) materializeZones(ctx context.Context, ac *asset.Context) (asset.Output, error) {
	if _, err := p.res.DB.Exec(ctx, ZonesLoadSQL(p.res.Raw.Path(ZonesFileName))); err != nil {
		return asset.Output{}, fmt.Errorf("load zones: %w", err)
	}
	var n int64
	if err := p.res.DB.DB().QueryRowContext(ctx, "select count(*) from zones").Scan(&n); err != nil {
		return asset.Output{}, fmt.Errorf("count zones: %w", err)
	}
	ac.Log.Info("zones loaded", logx.Int64("rows", n))
	return asset.Output{Metadata: map[string]string{"rows": strconv.FormatInt(n, 10)}}, nil
}

func landedOutput(l resource.Landed) asset.Output {
	md := map[string]string{"path": l.Path, "bytes": strconv.FormatInt(l.Bytes, 10)}
	if l.Mirrored != "" {
		md["mirror"] = l.Mirrored
	}
	return asset.Output{Metadata: md}
}
