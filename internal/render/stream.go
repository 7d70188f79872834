package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/koltyakov/edgeman/internal/domain"
)

type streamRoute struct {
	route  domain.Route
	domain domain.Domain
	host   string
}

func (r *renderer) stream() string {
	var routes []streamRoute
	for _, d := range r.sortedDomains() {
		for _, rt := range r.state.Routes {
			if rt.DomainID != d.ID || rt.Protocol != domain.ProtocolStream || !rt.Active {
				continue
			}
			routes = append(routes, streamRoute{route: rt, domain: d, host: domain.FQDN(rt.Subdomain, d.Name)})
		}
	}
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].route.Port != routes[j].route.Port {
			return routes[i].route.Port < routes[j].route.Port
		}
		if routes[i].route.ID != routes[j].route.ID {
			return routes[i].route.ID < routes[j].route.ID
		}
		return routes[i].host < routes[j].host
	})

	var b strings.Builder
	b.WriteString(header)

	bound := make(map[int]string)
	for _, sr := range routes {
		rt := sr.route
		entity := domain.RouteEntity(rt, sr.domain.Name)

		if rt.SRVRecord != "" && r.opts.SRVNames != nil {
			name := domain.FQDN(domain.SRVName(rt.SRVRecord, rt.Subdomain), sr.domain.Name)
			if !r.opts.SRVNames[name] {
				r.warn(entity, "SRV hint %s has no matching desired DNS record", name)
			}
		}

		if owner, taken := bound[rt.Port]; taken {
			r.warn(entity, "port %d already bound by %s; route skipped", rt.Port, owner)
			continue
		}
		if rt.Kind != domain.RouteKindProxy {
			r.warn(entity, "stream routes only support proxying; route skipped")
			continue
		}
		if reason := checkTargets(rt); reason != "" {
			r.warn(entity, "%s; route skipped", reason)
			continue
		}
		bound[rt.Port] = sr.host

		name := upstreamName("s_", sr.host, strconv.Itoa(rt.Port))
		b.WriteString("\n")
		upstreamBlock(&b, name, rt.Proxy.Targets)
		b.WriteString("\nserver {\n")
		fmt.Fprintf(&b, "    listen %d;\n", rt.Port)
		fmt.Fprintf(&b, "    proxy_pass %s;\n", name)
		b.WriteString("    proxy_timeout 10s;\n    proxy_connect_timeout 10s;\n}\n")
	}
	return b.String()
}
