// Package cloudflare adapts the Cloudflare API to the DNS reconciler, the
// certificate manager and the renderer's real-IP block.
package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/koltyakov/edgeman/internal/dns"
	"github.com/koltyakov/edgeman/internal/domain"
)

// NewAPI builds an API client. A non-empty service key selects Origin CA
// key authentication, which only the certificate endpoints accept.
func NewAPI(token, serviceKey string, opts ...cf.Option) (*cf.API, error) {
	switch {
	case serviceKey != "":
		return cf.NewWithUserServiceKey(serviceKey, opts...)
	case token != "":
		return cf.NewWithAPIToken(token, opts...)
	}
	return nil, errors.New("cloudflare api token is required")
}

// DNS implements [dns.Provider] on top of the Cloudflare records API.
type DNS struct {
	api *cf.API
}

var _ dns.Provider = (*DNS)(nil)

// NewDNS wraps an API client authenticated with an API token.
func NewDNS(api *cf.API) *DNS {
	return &DNS{api: api}
}

// ZoneID resolves the zone id of name.
func (d *DNS) ZoneID(ctx context.Context, name string) (string, error) {
	zones, err := d.api.ListZones(ctx, name)
	if err != nil {
		return "", err
	}
	for _, z := range zones {
		if strings.EqualFold(z.Name, name) {
			return z.ID, nil
		}
	}
	return "", fmt.Errorf("zone %s: %w", name, domain.ErrNotFound)
}

// ListRecords returns every record of the zone with fully qualified names.
func (d *DNS) ListRecords(ctx context.Context, zone dns.Zone) ([]domain.DNSRecord, error) {
	recs, _, err := d.api.ListDNSRecords(ctx, cf.ZoneIdentifier(zone.ID), cf.ListDNSRecordsParams{})
	if err != nil {
		return nil, err
	}
	out := make([]domain.DNSRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromAPI(r))
	}
	return out, nil
}

// CreateRecord creates rec and returns its provider id.
func (d *DNS) CreateRecord(ctx context.Context, zone dns.Zone, rec domain.DNSRecord) (string, error) {
	params := cf.CreateDNSRecordParams{
		Type:     rec.Key().Type,
		Name:     rec.Name,
		Content:  rec.Content,
		TTL:      rec.TTL,
		Proxied:  proxiedFlag(rec),
		Priority: priority(rec.Priority),
		Comment:  rec.Comment,
	}
	if params.Type == domain.RecordSRV {
		data, err := srvData(rec)
		if err != nil {
			return "", err
		}
		params.Content = ""
		params.Data = data
	}
	created, err := d.api.CreateDNSRecord(ctx, cf.ZoneIdentifier(zone.ID), params)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdateRecord overwrites the record identified by rec.ProviderID.
func (d *DNS) UpdateRecord(ctx context.Context, zone dns.Zone, rec domain.DNSRecord) error {
	if rec.ProviderID == "" {
		return errors.New("record has no provider id")
	}
	comment := rec.Comment
	params := cf.UpdateDNSRecordParams{
		ID:       rec.ProviderID,
		Type:     rec.Key().Type,
		Name:     rec.Name,
		Content:  rec.Content,
		TTL:      rec.TTL,
		Proxied:  proxiedFlag(rec),
		Priority: priority(rec.Priority),
		Comment:  &comment,
	}
	if params.Type == domain.RecordSRV {
		data, err := srvData(rec)
		if err != nil {
			return err
		}
		params.Content = ""
		params.Data = data
	}
	_, err := d.api.UpdateDNSRecord(ctx, cf.ZoneIdentifier(zone.ID), params)
	return err
}

// DeleteRecord removes the record with the given provider id.
func (d *DNS) DeleteRecord(ctx context.Context, zone dns.Zone, providerID string) error {
	return d.api.DeleteDNSRecord(ctx, cf.ZoneIdentifier(zone.ID), providerID)
}

func fromAPI(r cf.DNSRecord) domain.DNSRecord {
	rec := domain.DNSRecord{
		Name:       strings.TrimSuffix(strings.ToLower(r.Name), "."),
		Type:       strings.ToUpper(r.Type),
		Content:    r.Content,
		TTL:        r.TTL,
		ProviderID: r.ID,
		Comment:    r.Comment,
	}
	if r.Proxied != nil {
		rec.Proxied = *r.Proxied
	}
	if r.Priority != nil && (rec.Type == domain.RecordMX || rec.Type == domain.RecordSRV) {
		p := int(*r.Priority)
		rec.Priority = &p
	}
	rec.Content = normalizeContent(rec.Type, rec.Content)
	return rec
}

// normalizeContent makes provider content comparable with desired content:
// hostnames lose their trailing dot, SRV content drops a leading priority.
func normalizeContent(typ, content string) string {
	content = strings.TrimSpace(content)
	switch typ {
	case domain.RecordCNAME, domain.RecordNS, domain.RecordMX:
		return strings.TrimSuffix(content, ".")
	case domain.RecordSRV:
		fields := strings.Fields(content)
		if len(fields) == 4 {
			fields = fields[1:]
		}
		if len(fields) == 3 {
			fields[2] = strings.TrimSuffix(fields[2], ".")
		}
		return strings.Join(fields, " ")
	}
	return content
}

// srvData builds the structured SRV payload from "weight port target".
func srvData(rec domain.DNSRecord) (map[string]any, error) {
	fields := strings.Fields(rec.Content)
	if len(fields) != 3 {
		return nil, fmt.Errorf("srv content %q: want \"weight port target\"", rec.Content)
	}
	weight, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("srv weight: %w", err)
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("srv port: %w", err)
	}
	prio := 0
	if rec.Priority != nil {
		prio = *rec.Priority
	}
	return map[string]any{
		"priority": prio,
		"weight":   weight,
		"port":     port,
		"target":   strings.TrimSuffix(fields[2], "."),
	}, nil
}

func proxiedFlag(rec domain.DNSRecord) *bool {
	switch rec.Key().Type {
	case domain.RecordA, domain.RecordAAAA, domain.RecordCNAME:
		v := rec.Proxied
		return &v
	}
	return nil
}

func priority(p *int) *uint16 {
	if p == nil || *p < 0 {
		return nil
	}
	v := uint16(*p)
	return &v
}
