package registry

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
)

const serviceName = "powerauth-enrollment"

// ConsulRegistry handles enrollment-server registration with Consul so
// operator consoles can discover a healthy instance without a
// hardcoded address.
type ConsulRegistry struct {
	client     *api.Client
	serviceID  string
	serverID   string
	serverPort int
	logger     *log.Logger
}

// NewConsulRegistry dials addr and prepares registration for serverID.
func NewConsulRegistry(addr, serverID, serverPort string) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	logger := log.New(os.Stdout, "[REGISTRY] ", log.Ldate|log.Ltime|log.LUTC)
	port, err := strconv.Atoi(serverPort)
	if err != nil {
		logger.Printf("failed to parse server port, using default 8080: %v", err)
		port = 8080
	}

	return &ConsulRegistry{
		client:     client,
		serviceID:  serverID,
		serverID:   serverID,
		serverPort: port,
		logger:     logger,
	}, nil
}

// Register advertises this instance under serviceName with an HTTP
// health check against /health.
func (c *ConsulRegistry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		c.logger.Printf("failed to get hostname, using localhost: %v", err)
		hostname = "localhost"
	}

	registration := &api.AgentServiceRegistration{
		ID:      c.serviceID,
		Name:    serviceName,
		Port:    c.serverPort,
		Address: hostname,
		Tags:    []string{"powerauth", "mfa"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", hostname, c.serverPort),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: map[string]string{
			"server_id": c.serverID,
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return err
	}
	c.logger.Printf("registered with Consul: %s", c.serviceID)
	return nil
}

// Deregister removes this instance from Consul.
func (c *ConsulRegistry) Deregister() error {
	if err := c.client.Agent().ServiceDeregister(c.serviceID); err != nil {
		return err
	}
	c.logger.Printf("deregistered from Consul: %s", c.serviceID)
	return nil
}

// GetHealthyServers lists the ids of every enrollment-server instance
// currently passing its health check.
func (c *ConsulRegistry) GetHealthyServers() ([]string, error) {
	services, _, err := c.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, err
	}
	servers := make([]string, 0, len(services))
	for _, service := range services {
		servers = append(servers, service.Service.ID)
	}
	return servers, nil
}

// WatchServices blocks, invoking callback whenever the set of healthy
// instances changes, using Consul's long-poll blocking queries.
func (c *ConsulRegistry) WatchServices(callback func([]string)) {
	var lastIndex uint64
	for {
		services, meta, err := c.client.Health().Service(serviceName, "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			c.logger.Printf("error watching Consul services: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if meta.LastIndex != lastIndex {
			lastIndex = meta.LastIndex
			servers := make([]string, 0, len(services))
			for _, service := range services {
				servers = append(servers, service.Service.ID)
			}
			callback(servers)
		}
	}
}
