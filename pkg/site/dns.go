package site

import (
	"context"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/housecat-inc/ghost/pkg/digitalocean"
	"github.com/housecat-inc/ghost/pkg/dynadot"
)

var Nameservers = []string{"ns1.digitalocean.com.", "ns2.digitalocean.com.", "ns3.digitalocean.com."}

// DNS is the infra provider's zone API.
type DNS interface {
	CreateDomain(ctx context.Context, name, ip string) (digitalocean.Domain, error)
	CreateDomainRecord(ctx context.Context, domain, name, data, typ string) (digitalocean.Record, error)
	GetDomainRecords(ctx context.Context, domain string) ([]digitalocean.Record, error)
	GetDomains(ctx context.Context) ([]digitalocean.Domain, error)
	UpdateDomainRecord(ctx context.Context, domain string, id int, fields map[string]any) (digitalocean.Record, error)
}

type Registrar interface {
	ListDomain(ctx context.Context) ([]dynadot.Domain, error)
	SetNS(ctx context.Context, domain string, ns ...string) error
}

// Delegated reports whether the NS records point at the infra provider.
func Delegated(ns []string) bool {
	return slices.Contains(ns, Nameservers[0])
}

// PointDNS points host's A record at the machine. When the registrar holds
// the domain and it is not yet delegated, the delegation is set first.
// Registrar may be nil.
func (s *Sites) PointDNS(ctx context.Context, host string, dns DNS, reg Registrar) error {
	n, err := Parse(host)
	if err != nil {
		return err
	}
	if n.IP {
		return errors.Newf("%s: IP sites have no DNS", n.Host)
	}
	ip, err := s.IP(ctx)
	if err != nil {
		return err
	}
	apex := n.Apex()

	if reg != nil {
		if err := s.delegate(ctx, apex, reg); err != nil {
			return err
		}
	}

	if n.Subdomain != "" {
		domains, err := dns.GetDomains(ctx)
		if err != nil {
			return errors.Wrap(err, "get domains")
		}
		if !slices.ContainsFunc(domains, func(d digitalocean.Domain) bool { return d.Name == apex }) {
			return errors.Newf("%s is not managed by digitalocean", apex)
		}
		return s.upsertA(ctx, dns, apex, n.Subdomain, ip)
	}

	_, err = dns.CreateDomain(ctx, apex, ip)
	if errors.Is(err, digitalocean.ErrDomainExists) {
		return s.upsertA(ctx, dns, apex, "@", ip)
	}
	if err != nil {
		return errors.Wrap(err, "create domain")
	}
	s.config.Log.Info("domain created", "domain", apex, "ip", ip)
	return nil
}

func (s *Sites) delegate(ctx context.Context, apex string, reg Registrar) error {
	domains, err := reg.ListDomain(ctx)
	if errors.Is(err, dynadot.ErrBadToken) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "list domains")
	}
	if !slices.ContainsFunc(domains, func(d dynadot.Domain) bool { return strings.EqualFold(d.Name, apex) }) {
		return nil
	}
	if Delegated(s.nameservers(ctx, apex)) {
		return nil
	}
	if err := reg.SetNS(ctx, apex, Nameservers...); err != nil {
		return errors.Wrap(err, "set nameservers")
	}
	s.config.Log.Info("nameservers set", "domain", apex)
	return nil
}

// upsertA updates the name's A record to ip, creating it when absent.
func (s *Sites) upsertA(ctx context.Context, dns DNS, domain, name, ip string) error {
	records, err := dns.GetDomainRecords(ctx, domain)
	if err != nil {
		return errors.Wrap(err, "get records")
	}
	for _, r := range records {
		if r.Name == name && r.Type == "A" {
			if _, err := dns.UpdateDomainRecord(ctx, domain, r.ID, map[string]any{"data": ip}); err != nil {
				return errors.Wrap(err, "update record")
			}
			s.config.Log.Info("record updated", "domain", domain, "name", name, "ip", ip)
			return nil
		}
	}
	if _, err := dns.CreateDomainRecord(ctx, domain, name, ip, "A"); err != nil {
		return errors.Wrap(err, "create record")
	}
	s.config.Log.Info("record created", "domain", domain, "name", name, "ip", ip)
	return nil
}

func (s *Sites) nameservers(ctx context.Context, domain string) []string {
	ns, err := s.config.Resolver.LookupNS(ctx, domain)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Host)
	}
	slices.Sort(out)
	return out
}

func (s *Sites) aRecord(ctx context.Context, host string) string {
	ips, err := s.config.Resolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return ""
	}
	return ips[0].String()
}
